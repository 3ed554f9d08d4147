// Package codec provides the wire encodings the agent and relay can speak.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/tabcounter/tabcounter.go/pkg/constants"
)

type Marshaler interface {
	Marshal(v any) ([]byte, error)
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
}

// Codec is a symmetric wire encoding.
// Binary reports whether encoded frames must go out as binary WebSocket frames.
type Codec interface {
	Marshaler
	Unmarshaler
	Name() string
	Binary() bool
}

const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

// ByName returns the codec registered under name.
// The empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", FormatJSON:
		return JSON, nil
	case FormatCBOR:
		return CBOR, nil
	default:
		return nil, fmt.Errorf("%w: %q", constants.ErrUnknownFormat, name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)        { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, dst any) error { return json.Unmarshal(data, dst) }
func (jsonCodec) Name() string                         { return FormatJSON }
func (jsonCodec) Binary() bool                         { return false }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("BUG: invalid CBOR encoding options: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("BUG: invalid CBOR decoding options: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

func (c cborCodec) Marshal(v any) ([]byte, error)        { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, dst any) error { return c.dec.Unmarshal(data, dst) }
func (cborCodec) Name() string                           { return FormatCBOR }
func (cborCodec) Binary() bool                           { return true }
