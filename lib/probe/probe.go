// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/cell/lib/codec"
)

// Sentinel is the reserved probe request payload.
const Sentinel = "__GENOME__"

// TypeDynamic describes a cell that publishes no schema: its handler
// accepts arbitrary structured requests.
const TypeDynamic = "dynamic"

// fingerprintContext is the BLAKE3 key-derivation context for schema
// fingerprints. Changing it invalidates every cached fingerprint.
const fingerprintContext = "cell 2026 probe schema fingerprint v1"

// Description is a cell's answer to a probe.
type Description struct {
	// Name is the cell identity.
	Name string `json:"name,omitempty" cbor:"name,omitempty"`

	// Type classifies the contract: TypeDynamic, or an application
	// label for a cell with a fixed schema.
	Type string `json:"type" cbor:"type"`

	// Schema is an opaque structured description of the accepted
	// requests and produced responses. Nil for dynamic cells.
	Schema any `json:"schema,omitempty" cbor:"schema,omitempty"`

	// Fingerprint is the hex BLAKE3 digest of the canonical JSON
	// encoding of Schema. Empty when Schema is nil.
	Fingerprint string `json:"fingerprint,omitempty" cbor:"fingerprint,omitempty"`
}

// IsProbe reports whether a raw request payload is the probe sentinel.
func IsProbe(payload []byte) bool {
	return string(payload) == Sentinel
}

// Dynamic returns the description of a schemaless cell.
func Dynamic(name string) Description {
	return Description{Name: name, Type: TypeDynamic}
}

// New returns a description with a computed fingerprint.
func New(name, descriptionType string, schema any) (Description, error) {
	description := Description{Name: name, Type: descriptionType, Schema: schema}
	if err := description.Seal(); err != nil {
		return Description{}, err
	}
	return description, nil
}

// Seal recomputes Fingerprint from Schema.
func (d *Description) Seal() error {
	if d.Schema == nil {
		d.Fingerprint = ""
		return nil
	}
	fingerprint, err := Fingerprint(d.Schema)
	if err != nil {
		return err
	}
	d.Fingerprint = fingerprint
	return nil
}

// Validate checks that a description can be served.
func (d Description) Validate() error {
	var errs []error
	if d.Type == "" {
		errs = append(errs, errors.New("type is required"))
	}
	if d.Schema != nil {
		expected, err := Fingerprint(d.Schema)
		if err != nil {
			errs = append(errs, err)
		} else if d.Fingerprint != "" && d.Fingerprint != expected {
			errs = append(errs, fmt.Errorf("fingerprint %s does not match schema (want %s)", d.Fingerprint, expected))
		}
	}
	return errors.Join(errs...)
}

// Fingerprint returns the hex BLAKE3 digest of schema's canonical JSON
// encoding. encoding/json sorts map keys, so logically equal schemas
// decoded from differently formatted files hash identically.
func Fingerprint(schema any) (string, error) {
	canonical, err := codec.Marshal(codec.JSON, schema)
	if err != nil {
		return "", fmt.Errorf("canonicalizing schema: %w", err)
	}
	hasher := blake3.NewDeriveKey(fingerprintContext)
	hasher.Write(canonical)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Encode serializes the description as a probe response payload.
func (d Description) Encode(encoding codec.Encoding) ([]byte, error) {
	if encoding == codec.CBOR {
		d.Schema = codec.NormalizeNumbers(d.Schema)
	}
	data, err := codec.Marshal(encoding, d)
	if err != nil {
		return nil, fmt.Errorf("encoding probe description: %w", err)
	}
	return data, nil
}

// Decode parses a probe response payload.
func Decode(encoding codec.Encoding, data []byte) (Description, error) {
	var description Description
	if err := codec.Unmarshal(encoding, data, &description); err != nil {
		return Description{}, fmt.Errorf("decoding probe description: %w", err)
	}
	return description, nil
}

// Parse reads a description from JSONC: JSON extended with // and
// /* */ comments and trailing commas. The fingerprint is recomputed
// when absent and verified when present.
func Parse(data []byte) (Description, error) {
	stripped := jsonc.ToJSON(data)
	if len(bytes.TrimSpace(stripped)) == 0 {
		return Description{}, errors.New("parsing probe description: empty document")
	}

	var description Description
	if err := codec.Unmarshal(codec.JSON, stripped, &description); err != nil {
		return Description{}, fmt.Errorf("parsing probe description: %w", err)
	}
	if description.Fingerprint == "" {
		if err := description.Seal(); err != nil {
			return Description{}, err
		}
	}
	if err := description.Validate(); err != nil {
		return Description{}, fmt.Errorf("invalid probe description: %w", err)
	}
	return description, nil
}

// LoadFile reads a JSONC description file from disk.
func LoadFile(path string) (Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Description{}, fmt.Errorf("reading %s: %w", path, err)
	}
	description, err := Parse(data)
	if err != nil {
		return Description{}, fmt.Errorf("%s: %w", path, err)
	}
	return description, nil
}
