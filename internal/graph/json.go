package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Object is a JSON object that remembers key insertion order. The standard
// map-based decoding loses order, which would break row ordering and the
// array round-trip guarantees, so documents are decoded off the token
// stream into this type instead.
type Object struct {
	keys   []string
	values map[string]any
}

// NewObject creates an empty ordered object.
func NewObject() *Object {
	return &Object{values: make(map[string]any)}
}

// Set stores a key/value pair, keeping first-insertion order for the key.
func (o *Object) Set(key string, value any) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Get returns the value for key.
func (o *Object) Get(key string) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string {
	return o.keys
}

// Len returns the number of keys.
func (o *Object) Len() int {
	return len(o.keys)
}

// MarshalJSON encodes the object preserving key order.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ParseDocument decodes a JSON text into ordered document values: *Object,
// []any, string, json.Number, bool, or nil. Numbers stay as json.Number so
// re-encoding reproduces the original literal.
func ParseDocument(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}

	// Reject trailing content after the document.
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected content after JSON document")
	}
	return v, nil
}

// EncodeDocument serializes a document value back to compact JSON text,
// preserving object key order.
func EncodeDocument(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(b), nil
}

// IsValidDocument reports whether text parses as a single JSON value.
func IsValidDocument(text string) bool {
	_, err := ParseDocument(text)
	return err == nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return decodeFromToken(dec, tok)
}

func decodeFromToken(dec *json.Decoder, tok json.Token) (any, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("parse object key: %w", err)
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key is not a string: %v", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, val)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, fmt.Errorf("parse object end: %w", err)
			}
			return obj, nil
		case '[':
			arr := []any{}
			for dec.More() {
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, fmt.Errorf("parse array end: %w", err)
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	case string, json.Number, bool, nil:
		return t, nil
	default:
		return nil, fmt.Errorf("unexpected token %v", tok)
	}
}
