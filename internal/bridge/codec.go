// ABOUTME: Wire codec for bridge payloads: deterministic CBOR behind a one-byte frame header
// ABOUTME: Payloads larger than 1 KiB are zstd compressed

package bridge

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Frame header bytes. These are protocol constants shared by every instance.
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

// compressThreshold is the encoded size above which payloads are compressed.
const compressThreshold = 1024

// maxDecodedSize bounds decompressed payloads.
const maxDecodedSize = 64 << 20

var errEmptyPayload = errors.New("empty payload")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("bridge: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("bridge: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic("bridge: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as a framed payload.
func Marshal(v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	if len(body) <= compressThreshold {
		return append([]byte{frameRaw}, body...), nil
	}

	out := make([]byte, 1, len(body)/2+1)
	out[0] = frameZstd
	return zstdEncoder.EncodeAll(body, out), nil
}

// Unmarshal decodes a framed payload into v.
func Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errEmptyPayload
	}

	body := data[1:]
	switch data[0] {
	case frameRaw:
	case frameZstd:
		var err error
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("decompressing payload: %w", err)
		}
	default:
		return fmt.Errorf("unknown frame header 0x%02x", data[0])
	}

	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
