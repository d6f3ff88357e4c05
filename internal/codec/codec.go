// Package codec flattens ordered sequences of records into a single string
// property and back.
package codec

import (
	"encoding/json"
	"fmt"
)

const emptySequence = "[]"

// Codec serializes an ordered sequence of T into an opaque blob.
type Codec[T any] interface {
	Encode(items []T) (string, error)
	// Decode reports present=false when blob is nil, meaning the property was never written.
	Decode(blob *string) (items []T, present bool, err error)
}

// JSON is a Codec that stores sequences as JSON arrays.
type JSON[T any] struct{}

// NewJSON returns a JSON codec for T.
func NewJSON[T any]() JSON[T] {
	return JSON[T]{}
}

// Encode serializes items, preserving order. A nil or empty sequence encodes to "[]".
func (JSON[T]) Encode(items []T) (string, error) {
	if len(items) == 0 {
		return emptySequence, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode sequence: %w", err)
	}
	return string(data), nil
}

// Decode parses a blob written by Encode. A written-but-empty blob yields an
// empty, non-nil slice.
func (JSON[T]) Decode(blob *string) ([]T, bool, error) {
	if blob == nil {
		return nil, false, nil
	}
	if *blob == "" || *blob == emptySequence || *blob == "null" {
		return []T{}, true, nil
	}
	var items []T
	if err := json.Unmarshal([]byte(*blob), &items); err != nil {
		return nil, true, fmt.Errorf("decode sequence: %w", err)
	}
	if items == nil {
		items = []T{}
	}
	return items, true, nil
}
