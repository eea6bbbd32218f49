// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package logid implements the 128-bit identifiers used throughout the
// log engine: a log's id, a stream's id, and a stream's type tag.
// Modeled on the teacher's digest package's Digester.Rand: a fixed-size
// byte array generated from a cryptographically secure source,
// directly comparable and cheap to embed in on-disk records.
package logid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ID is a 128-bit identifier, used for log ids, stream ids, and stream
// types. The zero value is the nil ID.
type ID [16]byte

// New generates a random ID using the system's cryptographically
// secure random source.
func New() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// does, the platform's entropy source is broken and continuing
		// would silently hand out colliding ids.
		panic("logid: system entropy source failed: " + err.Error())
	}
	return id
}

// IsZero reports whether id is the nil ID.
func (id ID) IsZero() bool {
	return id == ID{}
}

// String returns the hex representation of id.
func (id ID) String() string {
	if id.IsZero() {
		return "<zero>"
	}
	return hex.EncodeToString(id[:])
}

// Parse parses the hex representation produced by String.
func Parse(s string) (ID, error) {
	var id ID
	if s == "" || s == "<zero>" {
		return id, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("logid: invalid id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return ID{}, fmt.Errorf("logid: invalid id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns id's bytes.
func (id ID) Bytes() []byte { return id[:] }
