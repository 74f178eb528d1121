package broker

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/aixgo-dev/sentinel/agent"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// Codec converts messages to and from delivery bodies.
type Codec interface {
	ContentType() string
	Encode(msg agent.Message) ([]byte, error)
	Decode(body []byte) (agent.Message, error)
}

// JSONCodec is the default wire format.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return ContentTypeJSON }

func (JSONCodec) Encode(msg agent.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Decode(body []byte) (agent.Message, error) {
	var msg agent.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return agent.Message{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return validated(msg)
}

// CBORCodec encodes with Core Deterministic Encoding. Payload maps decode
// to map[string]any as with JSON.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds the CBOR encoder and decoder modes.
func NewCBORCodec() (*CBORCodec, error) {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}

	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) ContentType() string { return ContentTypeCBOR }

func (c *CBORCodec) Encode(msg agent.Message) ([]byte, error) {
	return c.enc.Marshal(msg)
}

func (c *CBORCodec) Decode(body []byte) (agent.Message, error) {
	var msg agent.Message
	if err := c.dec.Unmarshal(body, &msg); err != nil {
		return agent.Message{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return validated(msg)
}

// CodecByName returns the codec for "json" or "cbor".
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

func validated(msg agent.Message) (agent.Message, error) {
	if err := msg.Validate(); err != nil {
		return agent.Message{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return msg, nil
}
