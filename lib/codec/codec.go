// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// Encoding names a payload serialization format.
type Encoding string

const (
	// JSON is UTF-8 JSON, the default interchange encoding.
	JSON Encoding = "json"

	// CBOR is deterministic CBOR with string-keyed maps.
	CBOR Encoding = "cbor"
)

// ErrInvalidUTF8 is returned when a JSON payload is not valid UTF-8.
// encoding/json would otherwise substitute U+FFFD silently.
var ErrInvalidUTF8 = errors.New("codec: payload is not valid UTF-8")

// cborEncMode sorts map keys and uses the smallest integer encoding,
// so the same logical value always produces identical bytes.
var cborEncMode cbor.EncMode

// cborDecMode decodes untyped maps as map[string]any rather than the
// CBOR default map[any]any, keeping decoded values interchangeable
// with JSON-decoded ones.
var cborDecMode cbor.DecMode

func init() {
	var err error

	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	cborDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// ParseEncoding maps a configuration value to an Encoding. The empty
// string selects JSON.
func ParseEncoding(name string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(name))) {
	case "", JSON:
		return JSON, nil
	case CBOR:
		return CBOR, nil
	default:
		return "", fmt.Errorf("unknown payload encoding %q (want json or cbor)", name)
	}
}

// orDefault returns JSON for the zero Encoding.
func (e Encoding) orDefault() Encoding {
	if e == "" {
		return JSON
	}
	return e
}

// Marshal encodes v in the given encoding.
func Marshal(encoding Encoding, v any) ([]byte, error) {
	switch encoding.orDefault() {
	case JSON:
		var buffer bytes.Buffer
		encoder := json.NewEncoder(&buffer)
		encoder.SetEscapeHTML(false)
		if err := encoder.Encode(v); err != nil {
			return nil, fmt.Errorf("json encode: %w", err)
		}
		return bytes.TrimRight(buffer.Bytes(), "\n"), nil
	case CBOR:
		data, err := cborEncMode.Marshal(NormalizeNumbers(v))
		if err != nil {
			return nil, fmt.Errorf("cbor encode: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("codec: unsupported encoding %q", encoding)
	}
}

// Unmarshal decodes exactly one value from data into v. Trailing
// content after the value is an error. JSON numbers landing in an
// interface decode as json.Number, keeping integers beyond 2^53 exact.
func Unmarshal(encoding Encoding, data []byte, v any) error {
	switch encoding.orDefault() {
	case JSON:
		if !utf8.Valid(data) {
			return ErrInvalidUTF8
		}
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber()
		if err := decoder.Decode(v); err != nil {
			return fmt.Errorf("json decode: %w", err)
		}
		var extra json.RawMessage
		if err := decoder.Decode(&extra); err != io.EOF {
			return fmt.Errorf("json decode: trailing content after value")
		}
		return nil
	case CBOR:
		if err := cborDecMode.Unmarshal(data, v); err != nil {
			return fmt.Errorf("cbor decode: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("codec: unsupported encoding %q", encoding)
	}
}

// DeserializationError reports a payload that is not one valid value
// in the deployment encoding. The payload itself is not retained; it
// may be large or sensitive.
type DeserializationError struct {
	Encoding Encoding
	Length   int
	Err      error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserializing %d-byte %s payload: %v", e.Length, e.Encoding.orDefault(), e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// Decode decodes data into the generic tagged-union representation.
// Failures are returned as *DeserializationError.
func Decode(encoding Encoding, data []byte) (any, error) {
	var value any
	if err := Unmarshal(encoding, data, &value); err != nil {
		return nil, &DeserializationError{Encoding: encoding.orDefault(), Length: len(data), Err: err}
	}
	return value, nil
}

// Convert re-encodes an untyped value into a typed result, for callers
// that want a struct rather than map[string]any. It round-trips
// through the given encoding so field tags behave as they would on the
// wire.
func Convert(encoding Encoding, value any, result any) error {
	data, err := Marshal(encoding, value)
	if err != nil {
		return err
	}
	return Unmarshal(encoding, data, result)
}

// NormalizeNumbers replaces json.Number values inside the tagged-union
// shapes with int64, uint64 or float64, so values decoded from JSON
// encode as CBOR numbers rather than strings. Other values are
// returned unchanged; maps and slices are copied only when walked.
func NormalizeNumbers(v any) any {
	switch value := v.(type) {
	case json.Number:
		if n, err := value.Int64(); err == nil {
			return n
		}
		if n, err := strconv.ParseUint(string(value), 10, 64); err == nil {
			return n
		}
		if f, err := value.Float64(); err == nil {
			return f
		}
		return string(value)
	case map[string]any:
		normalized := make(map[string]any, len(value))
		for key, element := range value {
			normalized[key] = NormalizeNumbers(element)
		}
		return normalized
	case []any:
		normalized := make([]any, len(value))
		for i, element := range value {
			normalized[i] = NormalizeNumbers(element)
		}
		return normalized
	default:
		return v
	}
}
