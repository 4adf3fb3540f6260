// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

// Format is the value format of an option.
type Format uint8

const (
	FormatEmpty Format = iota
	FormatOpaque
	FormatUint
	FormatString
)

// OptionDef describes a known option number.
type OptionDef struct {
	Name       string
	Format     Format
	MinLen     int
	MaxLen     int
	Repeatable bool
}

// Registry is the table of known option numbers. It is read-only once built
// and safe for concurrent use.
type Registry struct {
	defs map[OptionID]OptionDef
}

// NewRegistry creates a registry holding a copy of defs.
func NewRegistry(defs map[OptionID]OptionDef) *Registry {
	r := &Registry{defs: make(map[OptionID]OptionDef, len(defs))}
	for id, def := range defs {
		r.defs[id] = def
	}
	return r
}

// DefaultRegistry returns the options of RFC 7252, RFC 7641 and RFC 7959.
func DefaultRegistry() *Registry {
	return NewRegistry(map[OptionID]OptionDef{
		IfMatch:       {Name: "If-Match", Format: FormatOpaque, MinLen: 0, MaxLen: 8, Repeatable: true},
		URIHost:       {Name: "Uri-Host", Format: FormatString, MinLen: 1, MaxLen: 255},
		ETag:          {Name: "ETag", Format: FormatOpaque, MinLen: 1, MaxLen: 8, Repeatable: true},
		IfNoneMatch:   {Name: "If-None-Match", Format: FormatEmpty, MinLen: 0, MaxLen: 0},
		Observe:       {Name: "Observe", Format: FormatUint, MinLen: 0, MaxLen: 3},
		URIPort:       {Name: "Uri-Port", Format: FormatUint, MinLen: 0, MaxLen: 2},
		LocationPath:  {Name: "Location-Path", Format: FormatString, MinLen: 0, MaxLen: 255, Repeatable: true},
		URIPath:       {Name: "Uri-Path", Format: FormatString, MinLen: 0, MaxLen: 255, Repeatable: true},
		ContentFormat: {Name: "Content-Format", Format: FormatUint, MinLen: 0, MaxLen: 2},
		MaxAge:        {Name: "Max-Age", Format: FormatUint, MinLen: 0, MaxLen: 4},
		URIQuery:      {Name: "Uri-Query", Format: FormatString, MinLen: 0, MaxLen: 255, Repeatable: true},
		Accept:        {Name: "Accept", Format: FormatUint, MinLen: 0, MaxLen: 2},
		LocationQuery: {Name: "Location-Query", Format: FormatString, MinLen: 0, MaxLen: 255, Repeatable: true},
		Block2:        {Name: "Block2", Format: FormatUint, MinLen: 0, MaxLen: 3},
		Block1:        {Name: "Block1", Format: FormatUint, MinLen: 0, MaxLen: 3},
		Size2:         {Name: "Size2", Format: FormatUint, MinLen: 0, MaxLen: 4},
		ProxyURI:      {Name: "Proxy-Uri", Format: FormatString, MinLen: 1, MaxLen: 1034},
		ProxyScheme:   {Name: "Proxy-Scheme", Format: FormatString, MinLen: 1, MaxLen: 255},
		Size1:         {Name: "Size1", Format: FormatUint, MinLen: 0, MaxLen: 4},
	})
}

// With returns a copy of r with id registered as def.
func (r *Registry) With(id OptionID, def OptionDef) *Registry {
	out := NewRegistry(r.defs)
	out.defs[id] = def
	return out
}

// Lookup returns the definition of id.
func (r *Registry) Lookup(id OptionID) (OptionDef, bool) {
	def, ok := r.defs[id]
	return def, ok
}

// Accepts reports whether id is known and n is a legal value length for it.
func (r *Registry) Accepts(id OptionID, n int) bool {
	def, ok := r.defs[id]
	return ok && n >= def.MinLen && n <= def.MaxLen
}
