// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package plist provides a typed intermediate value for Apple property
// lists and a thin codec boundary over howett.net/plist. Internal callers
// build and inspect Dict/Array/Data values; the XML/binary wire encoding
// only happens at Decode/Encode.
package plist

import (
	"bytes"
	"fmt"

	"howett.net/plist"
)

// Dict is a total-ownership property-list dictionary. Values are one of
// Dict, Array, Data, string, uint64, bool, or []byte (Data is an alias for
// clarity at call sites).
type Dict map[string]interface{}

// Array is a property-list array.
type Array []interface{}

// Data is a property-list <data> blob.
type Data []byte

// binaryPrefix is the 8-byte magic that opens every bplist00 document.
const binaryPrefix = "bplist00"

// IsBinary reports whether data begins with the bplist00 magic.
func IsBinary(data []byte) bool {
	return len(data) >= len(binaryPrefix) && string(data[:len(binaryPrefix)]) == binaryPrefix
}

// Decode parses data as either a binary (bplist00) or XML property list,
// auto-detecting by the leading 8 bytes, and returns the root as a Dict.
func Decode(data []byte) (Dict, error) {
	var v interface{}
	if _, err := plist.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("plist: decode failed: %w", err)
	}
	d, ok := toDict(v)
	if !ok {
		return nil, fmt.Errorf("plist: root value is not a dictionary")
	}
	return d, nil
}

// EncodeBinary serializes a Dict as a binary (bplist00) property list.
func EncodeBinary(d Dict) ([]byte, error) {
	var buf bytes.Buffer
	enc := plist.NewBinaryEncoder(&buf)
	if err := enc.Encode(fromDict(d)); err != nil {
		return nil, fmt.Errorf("plist: binary encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeXML serializes a Dict as an XML property list.
func EncodeXML(d Dict) ([]byte, error) {
	var buf bytes.Buffer
	enc := plist.NewEncoder(&buf)
	if err := enc.Encode(fromDict(d)); err != nil {
		return nil, fmt.Errorf("plist: xml encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// toDict normalizes the interface{} tree howett.net/plist produces
// (map[string]interface{}, []interface{}, ...) into our typed tree.
func toDict(v interface{}) (Dict, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	out := make(Dict, len(m))
	for k, val := range m {
		out[k] = normalize(val)
	}
	return out, true
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		d, _ := toDict(t)
		return d
	case []interface{}:
		arr := make(Array, len(t))
		for i, e := range t {
			arr[i] = normalize(e)
		}
		return arr
	case []byte:
		return Data(t)
	default:
		return t
	}
}

func fromDict(d Dict) map[string]interface{} {
	out := make(map[string]interface{}, len(d))
	for k, v := range d {
		out[k] = denormalize(v)
	}
	return out
}

func denormalize(v interface{}) interface{} {
	switch t := v.(type) {
	case Dict:
		return fromDict(t)
	case Array:
		arr := make([]interface{}, len(t))
		for i, e := range t {
			arr[i] = denormalize(e)
		}
		return arr
	case Data:
		return []byte(t)
	default:
		return t
	}
}

// String returns d[key] as a string, or ("", false) if absent/wrong type.
func (d Dict) String(key string) (string, bool) {
	v, ok := d[key].(string)
	return v, ok
}

// Uint returns d[key] as a uint64, accepting any of the integer kinds the
// plist decoder may produce.
func (d Dict) Uint(key string) (uint64, bool) {
	switch v := d[key].(type) {
	case uint64:
		return v, true
	case int64:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case int:
		return uint64(v), true
	default:
		return 0, false
	}
}

// Bool returns d[key] as a bool.
func (d Dict) Bool(key string) (bool, bool) {
	v, ok := d[key].(bool)
	return v, ok
}

// Data returns d[key] as a Data blob.
func (d Dict) Data(key string) (Data, bool) {
	switch v := d[key].(type) {
	case Data:
		return v, true
	case []byte:
		return Data(v), true
	default:
		return nil, false
	}
}

// Array returns d[key] as an Array.
func (d Dict) Array(key string) (Array, bool) {
	v, ok := d[key].(Array)
	return v, ok
}

// Dict returns d[key] as a nested Dict.
func (d Dict) Dict(key string) (Dict, bool) {
	v, ok := d[key].(Dict)
	return v, ok
}

// Path walks a dotted key path (e.g. "Manifest.KernelCache.Info.Path")
// through nested Dicts, returning an error that names the first missing or
// mistyped segment - callers need this distinction, not a silent "".
func (d Dict) Path(keys ...string) (interface{}, error) {
	var cur interface{} = d
	for i, k := range keys {
		cd, ok := cur.(Dict)
		if !ok {
			return nil, fmt.Errorf("plist: %q is not a dictionary", joinPath(keys[:i]))
		}
		v, present := cd[k]
		if !present {
			return nil, fmt.Errorf("plist: missing key %q", joinPath(keys[:i+1]))
		}
		cur = v
	}
	return cur, nil
}

// StringPath is Path followed by a string type assertion.
func (d Dict) StringPath(keys ...string) (string, error) {
	v, err := d.Path(keys...)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("plist: %q is not a string", joinPath(keys))
	}
	return s, nil
}

func joinPath(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += "."
		}
		out += k
	}
	return out
}
