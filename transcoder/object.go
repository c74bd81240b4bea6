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
	cbor "github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// ObjectCodec encodes values that have no scalar fast path.  The payload
// must be self-describing so the reader can decode without a schema; cycles
// are not supported.
type ObjectCodec interface {
	Marshal(value any) ([]byte, error)
	Unmarshal(data []byte, out any) error
}

// BsonObjectCodec stores structured values as a BSON element: one leading
// byte carrying the BSON type followed by the value bytes.  Keeping the type
// byte in the payload lets sequence roots decode as arrays directly.
type BsonObjectCodec struct{}

var _ ObjectCodec = BsonObjectCodec{}

func (BsonObjectCodec) Marshal(value any) ([]byte, error) {
	valueType, valueData, err := bson.MarshalValue(value)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, len(valueData)+1)
	data = append(data, byte(valueType))
	data = append(data, valueData...)
	return data, nil
}

func (BsonObjectCodec) Unmarshal(data []byte, out any) error {
	if len(data) < 1 {
		return errors.New("structured payload is empty")
	}

	raw := bson.RawValue{
		Type:  bsontype.Type(data[0]),
		Value: data[1:],
	}
	return raw.Unmarshal(out)
}

// CborObjectCodec is a drop-in alternative object codec.  The envelope
// flags are unchanged, only the structured payload format differs, so both
// sides must agree on the codec in use.
type CborObjectCodec struct{}

var _ ObjectCodec = CborObjectCodec{}

func (CborObjectCodec) Marshal(value any) ([]byte, error) {
	return cbor.Marshal(value)
}

func (CborObjectCodec) Unmarshal(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}
