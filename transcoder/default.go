/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package transcoder

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

// DefaultTranscoder implements the canonical envelope encoding.  Scalars are
// written little-endian, byte slices pass through untouched under the raw
// flag, and anything else is handed to the structured-object codec.
type DefaultTranscoder struct {
	// Objects encodes values that have no scalar fast path.  Defaults to
	// the BSON codec when nil.
	Objects ObjectCodec
}

var _ Transcoder = (*DefaultTranscoder)(nil)

func NewDefaultTranscoder() *DefaultTranscoder {
	return &DefaultTranscoder{}
}

func (t *DefaultTranscoder) objectCodec() ObjectCodec {
	if t.Objects != nil {
		return t.Objects
	}
	return BsonObjectCodec{}
}

func (t *DefaultTranscoder) Serialize(value any) (CacheItem, error) {
	if value == nil {
		return CacheItem{Flags: FlagsFor(TcDBNull)}, nil
	}

	switch v := value.(type) {
	case []byte:
		// raw fast path, the payload is not copied
		return CacheItem{Flags: FlagRawData, Data: v}, nil
	case string:
		return CacheItem{Flags: FlagsFor(TcString), Data: []byte(v)}, nil
	case bool:
		data := []byte{0}
		if v {
			data[0] = 1
		}
		return CacheItem{Flags: FlagsFor(TcBoolean), Data: data}, nil
	case int8:
		return CacheItem{Flags: FlagsFor(TcSByte), Data: []byte{byte(v)}}, nil
	case uint8:
		return CacheItem{Flags: FlagsFor(TcByte), Data: []byte{v}}, nil
	case Char:
		return CacheItem{Flags: FlagsFor(TcChar), Data: appendUint16(nil, uint16(v))}, nil
	case int16:
		return CacheItem{Flags: FlagsFor(TcInt16), Data: appendUint16(nil, uint16(v))}, nil
	case uint16:
		return CacheItem{Flags: FlagsFor(TcUInt16), Data: appendUint16(nil, v)}, nil
	case int32:
		return CacheItem{Flags: FlagsFor(TcInt32), Data: appendUint32(nil, uint32(v))}, nil
	case uint32:
		return CacheItem{Flags: FlagsFor(TcUInt32), Data: appendUint32(nil, v)}, nil
	case int64:
		return CacheItem{Flags: FlagsFor(TcInt64), Data: appendUint64(nil, uint64(v))}, nil
	case uint64:
		return CacheItem{Flags: FlagsFor(TcUInt64), Data: appendUint64(nil, v)}, nil
	case int:
		return CacheItem{Flags: FlagsFor(TcInt64), Data: appendUint64(nil, uint64(int64(v)))}, nil
	case uint:
		return CacheItem{Flags: FlagsFor(TcUInt64), Data: appendUint64(nil, uint64(v))}, nil
	case float32:
		return CacheItem{Flags: FlagsFor(TcSingle), Data: appendUint32(nil, math.Float32bits(v))}, nil
	case float64:
		return CacheItem{Flags: FlagsFor(TcDouble), Data: appendUint64(nil, math.Float64bits(v))}, nil
	case time.Time:
		return CacheItem{Flags: FlagsFor(TcDateTime), Data: appendUint64(nil, encodeTickTime(v))}, nil
	}

	data, err := t.objectCodec().Marshal(value)
	if err != nil {
		return CacheItem{}, errors.Wrap(err, "failed to encode structured value")
	}

	return CacheItem{Flags: FlagsFor(TcObject), Data: data}, nil
}

func (t *DefaultTranscoder) Deserialize(item CacheItem) (any, error) {
	flags := item.Flags & wireFlagsMask

	// raw payloads are resolved before the type-code dispatch
	if flags == FlagRawData {
		return item.Data, nil
	}

	code := CodeOf(flags)
	switch code {
	case TcEmpty:
		// Legacy envelopes carry no type information.  Servers hand
		// counter values back as ASCII after an increment, so any
		// non-empty payload is read as text.
		if len(item.Data) == 0 {
			return nil, nil
		}
		return string(item.Data), nil
	case TcDBNull:
		return nil, nil
	case TcString:
		return string(item.Data), nil
	case TcBoolean:
		data, err := fixedPayload(item, 1)
		if err != nil {
			return nil, err
		}
		return data[0] != 0, nil
	case TcSByte:
		data, err := fixedPayload(item, 1)
		if err != nil {
			return nil, err
		}
		return int8(data[0]), nil
	case TcByte:
		data, err := fixedPayload(item, 1)
		if err != nil {
			return nil, err
		}
		return data[0], nil
	case TcChar:
		data, err := fixedPayload(item, 2)
		if err != nil {
			return nil, err
		}
		return Char(binary.LittleEndian.Uint16(data)), nil
	case TcInt16:
		data, err := fixedPayload(item, 2)
		if err != nil {
			return nil, err
		}
		return int16(binary.LittleEndian.Uint16(data)), nil
	case TcUInt16:
		data, err := fixedPayload(item, 2)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint16(data), nil
	case TcInt32:
		data, err := fixedPayload(item, 4)
		if err != nil {
			return nil, err
		}
		return int32(binary.LittleEndian.Uint32(data)), nil
	case TcUInt32:
		data, err := fixedPayload(item, 4)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint32(data), nil
	case TcInt64:
		data, err := fixedPayload(item, 8)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint64(data)), nil
	case TcUInt64:
		data, err := fixedPayload(item, 8)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint64(data), nil
	case TcSingle:
		data, err := fixedPayload(item, 4)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), nil
	case TcDouble:
		data, err := fixedPayload(item, 8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	case TcDateTime:
		data, err := fixedPayload(item, 8)
		if err != nil {
			return nil, err
		}
		return decodeTickTime(binary.LittleEndian.Uint64(data)), nil
	case TcObject, TcDecimal:
		var out any
		err := t.objectCodec().Unmarshal(item.Data, &out)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode structured value")
		}
		return out, nil
	}

	return nil, errors.Wrapf(ErrUnknownTypeCode, "code %d", code)
}

func (t *DefaultTranscoder) DeserializeInto(item CacheItem, out any) error {
	flags := item.Flags & wireFlagsMask
	code := CodeOf(flags)

	if flags == FlagRawData || (code != TcObject && code != TcDecimal) {
		return errors.Wrap(ErrTypeMismatch, "item does not carry a structured payload")
	}

	return t.objectCodec().Unmarshal(item.Data, out)
}

func fixedPayload(item CacheItem, size int) ([]byte, error) {
	if len(item.Data) != size {
		return nil, errors.Errorf("scalar payload has %d bytes, want %d", len(item.Data), size)
	}
	return item.Data, nil
}

func appendUint16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendUint64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}
