package pebble

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// Codec parses and produces the wire form of event payloads.
type Codec interface {
	// Name is the encoding name used in config and errors ("json", "cbor").
	Name() string

	// Decode parses raw into a generic value. Objects become map[string]any.
	Decode(raw []byte) (any, error)

	// Encode renders a flat record of string fields.
	Encode(fields map[string]string) ([]byte, error)
}

var errInvalidUTF8 = errors.New("payload is not valid UTF-8")

// JSONCodec is the default payload encoding used by pebble firmware.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Decode(raw []byte) (any, error) {
	if !utf8.Valid(raw) {
		return nil, errInvalidUTF8
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (JSONCodec) Encode(fields map[string]string) ([]byte, error) {
	return json.Marshal(fields)
}

// CBORCodec decodes RFC 8949 payloads from constrained gateways.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a CBOR codec with deterministic encoding and a
// decoder that maps CBOR maps onto map[string]any.
func NewCBORCodec() (*CBORCodec, error) {
	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("creating CBOR encoder mode: %w", err)
	}

	decOpts := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyQuiet,
		IndefLength:    cbor.IndefLengthAllowed,
		UTF8:           cbor.UTF8RejectInvalid,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	dec, err := decOpts.DecMode()
	if err != nil {
		return nil, fmt.Errorf("creating CBOR decoder mode: %w", err)
	}

	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (*CBORCodec) Name() string { return "cbor" }

func (c *CBORCodec) Decode(raw []byte) (any, error) {
	var v any
	if err := c.dec.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *CBORCodec) Encode(fields map[string]string) ([]byte, error) {
	return c.enc.Marshal(fields)
}

// CodecByName returns the codec for a configured encoding name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("pebble: unknown payload encoding %q", name)
	}
}
