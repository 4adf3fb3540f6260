// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"strings"
)

// OptionID is an option number.
type OptionID uint16

// Option numbers of RFC 7252, RFC 7641 and RFC 7959.
const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
)

// Observe option values used in requests.
const (
	ObserveRegister   uint32 = 0
	ObserveDeregister uint32 = 1
)

// Critical reports whether the option must be understood by the receiver.
func (id OptionID) Critical() bool {
	return id&1 == 1
}

// Option is a single option instance.
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is an option list sorted by ascending ID. Methods that modify the
// list return a new slice and never write into the receiver's backing array.
type Options []Option

// Add inserts opt after every option with an ID lower than or equal to opt.ID.
func (o Options) Add(opt Option) Options {
	i := len(o)
	for i > 0 && o[i-1].ID > opt.ID {
		i--
	}
	out := make(Options, 0, len(o)+1)
	out = append(out, o[:i]...)
	out = append(out, opt)
	return append(out, o[i:]...)
}

// Set replaces every instance of opt.ID with opt.
func (o Options) Set(opt Option) Options {
	return o.Remove(opt.ID).Add(opt)
}

// Remove drops every instance of id.
func (o Options) Remove(id OptionID) Options {
	out := make(Options, 0, len(o))
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Get returns the value of the first instance of id.
func (o Options) Get(id OptionID) ([]byte, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// GetAll returns the values of every instance of id in order.
func (o Options) GetAll(id OptionID) [][]byte {
	var out [][]byte
	for _, opt := range o {
		if opt.ID == id {
			out = append(out, opt.Value)
		}
	}
	return out
}

// Has reports whether id is present.
func (o Options) Has(id OptionID) bool {
	_, ok := o.Get(id)
	return ok
}

// Uint decodes the first instance of id as a big-endian unsigned integer.
func (o Options) Uint(id OptionID) (uint32, bool) {
	v, ok := o.Get(id)
	if !ok || len(v) > 4 {
		return 0, false
	}
	var n uint32
	for _, b := range v {
		n = n<<8 | uint32(b)
	}
	return n, true
}

// SetUint sets id to v using the shortest big-endian encoding; zero is the
// empty value.
func (o Options) SetUint(id OptionID, v uint32) Options {
	return o.Set(Option{ID: id, Value: EncodeUint(v)})
}

// AddString appends a string valued instance of id.
func (o Options) AddString(id OptionID, s string) Options {
	return o.Add(Option{ID: id, Value: []byte(s)})
}

// Path returns the Uri-Path segments joined with "/" and a leading "/".
func (o Options) Path() string {
	segments := o.GetAll(URIPath)
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, string(s))
	}
	return "/" + strings.Join(parts, "/")
}

// SetPath replaces the Uri-Path options with the segments of path.
func (o Options) SetPath(path string) Options {
	out := o.Remove(URIPath)
	for _, s := range strings.Split(strings.Trim(path, "/"), "/") {
		if s == "" {
			continue
		}
		out = out.AddString(URIPath, s)
	}
	return out
}

// Observe returns the Observe option value.
func (o Options) Observe() (uint32, bool) {
	return o.Uint(Observe)
}

// Sorted reports whether the list is in ascending ID order.
func (o Options) Sorted() bool {
	for i := 1; i < len(o); i++ {
		if o[i-1].ID > o[i].ID {
			return false
		}
	}
	return true
}

// Clone deep-copies the list.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for i, opt := range o {
		out[i] = Option{ID: opt.ID, Value: append([]byte(nil), opt.Value...)}
		if opt.Value != nil && len(opt.Value) == 0 {
			out[i].Value = []byte{}
		}
	}
	return out
}

// EncodeUint returns the shortest big-endian encoding of v.
func EncodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return []byte{}
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}
