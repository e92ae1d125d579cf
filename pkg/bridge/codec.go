// Package bridge connects a foreign property engine to the subscription core.
//
// The foreign side implements Native and pushes encoded record batches into
// Engine.HandleRecords from whatever thread produced them. Engine adapts the
// pair into a prop.Engine, so the registry and courier do not know whether
// they talk to an in-process engine or a native one.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/go-drift/propbridge/pkg/prop"
)

// Codec encodes record batches crossing the native boundary.
type Codec interface {
	// Name identifies the codec in configuration.
	Name() string

	// Encode converts a batch to bytes for transmission.
	Encode(batch []prop.Record) ([]byte, error)

	// Decode converts bytes received from the native side to a batch.
	Decode(data []byte) ([]prop.Record, error)
}

// ErrUnknownCodec is returned by CodecByName for unsupported names.
var ErrUnknownCodec = errors.New("unknown codec")

// JSONCodec implements Codec using JSON encoding.
// JSON prioritizes interoperability and minimal native dependencies.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string { return "json" }

// Encode serializes the batch to JSON bytes.
func (JSONCodec) Encode(batch []prop.Record) ([]byte, error) {
	return json.Marshal(batch)
}

// Decode deserializes JSON bytes. Empty input is an empty batch.
func (JSONCodec) Decode(data []byte) ([]prop.Record, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var batch []prop.Record
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: the same batch always produces the same
	// bytes.
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("bridge: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec implements Codec using CBOR. Field names follow the json tags
// on prop.Record, so both codecs describe the same document.
type CBORCodec struct{}

// Name returns "cbor".
func (CBORCodec) Name() string { return "cbor" }

// Encode serializes the batch to CBOR bytes.
func (CBORCodec) Encode(batch []prop.Record) ([]byte, error) {
	return cborEnc.Marshal(batch)
}

// Decode deserializes CBOR bytes. Empty input is an empty batch.
func (CBORCodec) Decode(data []byte) ([]prop.Record, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var batch []prop.Record
	if err := cborDec.Unmarshal(data, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// DefaultCodec is the codec used when none is configured.
var DefaultCodec Codec = JSONCodec{}

// CodecByName returns the codec registered under name. An empty name
// selects DefaultCodec.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "":
		return DefaultCodec, nil
	case "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
