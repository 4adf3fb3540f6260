// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package observe keeps the client and server state of resource
// observations.
package observe

// SequenceModulus is the size of the Observe sequence number space.
const SequenceModulus = 1 << 24

// IsNewer reports whether sequence v is newer than s in serial number
// arithmetic: (v - s) mod 2^24 lies in (0, 2^23].
func IsNewer(v, s uint32) bool {
	d := (v - s) & (SequenceModulus - 1)
	return d > 0 && d <= SequenceModulus/2
}
