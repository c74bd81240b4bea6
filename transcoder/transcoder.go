/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package transcoder implements the type-tagged binary envelope that cache
// values travel in.  The envelope is a (flags, data) pair where the flags
// carry the value's original logical type and the data carries a compact
// little-endian encoding of it.  The format is shared with the other client
// implementations, so the flag values and scalar layouts here are fixed.
package transcoder

import (
	"github.com/pkg/errors"
)

var (
	ErrUnknownTypeCode = errors.New("unknown type code in cache item flags")
	ErrTypeMismatch    = errors.New("cache item does not decode to the requested type")
)

// CacheItem is the on-the-wire envelope for a single cached value.
type CacheItem struct {
	Flags uint32
	Data  []byte
}

// TypeCode identifies the logical type of an encoded value.  The numeric
// values form a closed set shared across client implementations.
type TypeCode uint8

const (
	TcEmpty    TypeCode = 0
	TcObject   TypeCode = 1
	TcDBNull   TypeCode = 2
	TcBoolean  TypeCode = 3
	TcChar     TypeCode = 4
	TcSByte    TypeCode = 5
	TcByte     TypeCode = 6
	TcInt16    TypeCode = 7
	TcUInt16   TypeCode = 8
	TcInt32    TypeCode = 9
	TcUInt32   TypeCode = 10
	TcInt64    TypeCode = 11
	TcUInt64   TypeCode = 12
	TcSingle   TypeCode = 13
	TcDouble   TypeCode = 14
	TcDecimal  TypeCode = 15
	TcDateTime TypeCode = 16
	TcString   TypeCode = 18
)

const (
	// FlagHandled marks envelopes produced by this codec family.
	FlagHandled = uint32(0x0100)

	// FlagRawData marks an opaque byte payload with no type information.
	// Note that the handled bit is intentionally clear in this value.
	FlagRawData = uint32(0xFA52)

	// FlagCompressed marks a payload that was compressed after encoding.
	// The bit is chosen to be clear in both FlagRawData and FlagHandled.
	FlagCompressed = uint32(0x0400)

	typeCodeMask = uint32(0x00FF)

	// wireFlagsMask trims the flags to the width the wire protocol
	// actually negotiates; some servers only carry 16 bits.
	wireFlagsMask = uint32(0xFFFF)
)

// Char holds a single UTF-16 code unit.  Go has no dedicated character
// scalar, so values that must round-trip as the Char type code use this.
type Char uint16

// FlagsFor builds the envelope flags for a given type code.
func FlagsFor(code TypeCode) uint32 {
	return FlagHandled | uint32(code)
}

// CodeOf extracts the type code from envelope flags.
func CodeOf(flags uint32) TypeCode {
	return TypeCode(flags & typeCodeMask)
}

// IsHandled reports whether the flags were produced by this codec family,
// distinguishing our envelopes from foreign values stored by other clients.
func IsHandled(flags uint32) bool {
	return flags&FlagHandled != 0
}

// Transcoder converts between runtime values and cache envelopes.
// Implementations must keep Serialize deterministic for a given value.
type Transcoder interface {
	Serialize(value any) (CacheItem, error)
	Deserialize(item CacheItem) (any, error)

	// DeserializeInto decodes structured payloads into a caller-supplied
	// destination, which is how sequence roots get decoded as the target
	// slice type rather than a generic document.
	DeserializeInto(item CacheItem, out any) error
}

// DeserializeAs decodes an envelope when the caller knows the expected
// logical type.  Structured payloads decode directly into T; scalar payloads
// decode normally and are then asserted to T.
func DeserializeAs[T any](tc Transcoder, item CacheItem) (T, error) {
	var out T

	code := CodeOf(item.Flags)
	if IsHandled(item.Flags) && (code == TcObject || code == TcDecimal) {
		err := tc.DeserializeInto(item, &out)
		if err != nil {
			return out, err
		}
		return out, nil
	}

	value, err := tc.Deserialize(item)
	if err != nil {
		return out, err
	}

	typed, ok := value.(T)
	if !ok {
		return out, errors.Wrapf(ErrTypeMismatch, "got %T", value)
	}

	return typed, nil
}
