// Package jsonx decodes low-trust JSON request bodies.
package jsonx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// MaxBodyBytes caps every body read by this package.
const MaxBodyBytes = 1 << 20

var (
	ErrEmptyBody    = errors.New("empty body")
	ErrTrailingJSON = errors.New("trailing data")
	ErrNotObject    = errors.New("body must be a JSON object")
)

// ParseStrictJSONBody reads and strictly decodes a JSON HTTP request body
// into dst. It performs shape checks only; callers map failures to 400:
//
//   - malformed or truncated JSON, or an empty body (ErrEmptyBody)
//   - more than one JSON value (ErrTrailingJSON)
//   - unknown fields
//   - field-type mismatches
//
// Fields already set in dst and absent from the body keep their value, so
// defaults can be applied before decoding.
func ParseStrictJSONBody[T any](r *http.Request, dst *T) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrTrailingJSON
	}
	return nil
}

// ReadObjectBody returns the raw body after checking it holds exactly one
// JSON object. Used for merge patches, which are applied as raw documents.
func ReadObjectBody(r *http.Request) ([]byte, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	if body[0] != '{' {
		return nil, ErrNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, ErrTrailingJSON
	}
	return body, nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, ErrEmptyBody
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	return body, nil
}
