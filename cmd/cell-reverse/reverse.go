// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/cell/lib/codec"
	"github.com/bureau-foundation/cell/lib/probe"
)

// errMissingText is returned for requests without a string "text"
// field. The membrane aborts the conversation.
var errMissingText = errors.New(`request must be an object with a string "text" field`)

// reverseRequest is the accepted request shape. Text is a pointer so
// a missing field is distinguishable from an empty string.
type reverseRequest struct {
	Text *string `json:"text" cbor:"text"`
}

type reverseResponse struct {
	Original  string `json:"original" cbor:"original"`
	Reversed  string `json:"reversed" cbor:"reversed"`
	Uppercase string `json:"uppercase" cbor:"uppercase"`
}

// reverse answers {"text": s} with s reversed by code point and
// uppercased.
func reverse(_ context.Context, request any) (any, error) {
	var fields reverseRequest
	if err := codec.Convert(codec.JSON, request, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", errMissingText, err)
	}
	if fields.Text == nil {
		return nil, errMissingText
	}
	text := *fields.Text

	runes := []rune(text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return reverseResponse{
		Original:  text,
		Reversed:  string(runes),
		Uppercase: strings.ToUpper(text),
	}, nil
}

// description is what the cell reports to a capability probe when no
// description file is configured.
func description() (probe.Description, error) {
	return probe.New("reverse", "text-transform", map[string]any{
		"request":  map[string]any{"text": "string"},
		"response": map[string]any{"original": "string", "reversed": "string", "uppercase": "string"},
	})
}
