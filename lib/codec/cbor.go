// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the canonical binary encoding for records
// persisted in Causeway databases, currently the unlock-method display
// metadata blob.
//
// Encoding is CBOR with Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. The same logical record always produces identical bytes, so
// stored blobs are comparable and diff-able. Decoding accepts standard
// CBOR and ignores unknown fields for forward compatibility.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
