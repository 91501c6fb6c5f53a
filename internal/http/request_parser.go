// Package http provides the admin JSON API.
//
// This file implements utilities for parsing and validating HTTP request
// data: JSON bodies, path identifiers, query parameters and amounts.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"participa/internal/core"
)

// maxBodyBytes bounds every admin request body.
const maxBodyBytes = 1 << 20

// DecodeJSON reads a single JSON object into dst, rejecting unknown fields.
// An empty body leaves dst untouched when allowEmpty is set.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) *JSONResponseBuilder {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			if allowEmpty {
				return nil
			}
			return BadRequestError("request body is empty")
		case errors.As(err, &maxErr):
			return ErrorResponse(http.StatusRequestEntityTooLarge, "request body too large")
		default:
			return BadRequestError(fmt.Sprintf("invalid JSON body: %v", err))
		}
	}
	if dec.More() {
		return BadRequestError("request body must contain a single JSON object")
	}
	return nil
}

// PathID parses a positive integer path value such as {id}.
func PathID(r *http.Request, name string) (int64, *JSONResponseBuilder) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, BadRequestError(fmt.Sprintf("invalid %s %q", name, raw))
	}
	return id, nil
}

// QueryInt returns a positive integer query parameter, or def when absent or invalid.
func QueryInt(query url.Values, key string, def int) int {
	if v := strings.TrimSpace(query.Get(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// QueryBool accepts the usual strconv spellings; anything else is false.
func QueryBool(query url.Values, key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(query.Get(key)))
	return b
}

// ParseAmount converts a decimal amount such as "1234,50" to Money.
func ParseAmount(field, raw string) (core.Money, *JSONResponseBuilder) {
	cents, err := core.ParseDecimalToCents(sanitizeInput(raw))
	if err != nil {
		return core.Money{}, BadRequestError(fmt.Sprintf("invalid %s %q: %v", field, raw, err))
	}
	return core.Money{Cents: cents}, nil
}

// sanitizeInput drops control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

func sanitizePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := sanitizeInput(*s)
	return &v
}
