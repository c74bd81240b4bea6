package transcoder

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// DefaultCompressionThreshold is the payload size, in bytes, at or above
// which the compressing transcoder starts compressing.
const DefaultCompressionThreshold = 2048

// SnappyTranscoder wraps another transcoder and snappy-compresses payloads
// that cross a size threshold.  Compressed envelopes carry FlagCompressed on
// top of the inner flags; both sides of the wire must use this wrapper.
type SnappyTranscoder struct {
	Inner Transcoder

	// Threshold overrides DefaultCompressionThreshold when positive.
	Threshold int
}

var _ Transcoder = (*SnappyTranscoder)(nil)

func (t *SnappyTranscoder) threshold() int {
	if t.Threshold > 0 {
		return t.Threshold
	}
	return DefaultCompressionThreshold
}

func (t *SnappyTranscoder) Serialize(value any) (CacheItem, error) {
	item, err := t.Inner.Serialize(value)
	if err != nil {
		return CacheItem{}, err
	}

	if len(item.Data) < t.threshold() {
		return item, nil
	}

	compressed := snappy.Encode(nil, item.Data)
	if len(compressed) >= len(item.Data) {
		// incompressible payload, ship it as-is
		return item, nil
	}

	return CacheItem{
		Flags: item.Flags | FlagCompressed,
		Data:  compressed,
	}, nil
}

func (t *SnappyTranscoder) unwrap(item CacheItem) (CacheItem, error) {
	if item.Flags&FlagCompressed == 0 {
		return item, nil
	}

	data, err := snappy.Decode(nil, item.Data)
	if err != nil {
		return CacheItem{}, errors.Wrap(err, "failed to decompress cache payload")
	}

	return CacheItem{
		Flags: item.Flags &^ FlagCompressed,
		Data:  data,
	}, nil
}

func (t *SnappyTranscoder) Deserialize(item CacheItem) (any, error) {
	inner, err := t.unwrap(item)
	if err != nil {
		return nil, err
	}
	return t.Inner.Deserialize(inner)
}

func (t *SnappyTranscoder) DeserializeInto(item CacheItem, out any) error {
	inner, err := t.unwrap(item)
	if err != nil {
		return err
	}
	return t.Inner.DeserializeInto(inner, out)
}
