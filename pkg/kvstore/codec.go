/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package kvstore

import (
	"bytes"
	"encoding/json"
	"strings"
)

// All values share one serialized form: JSON with RFC3339 timestamps and
// plain integers. Legacy records were sometimes written as bare strings
// rather than objects; DecodeTolerant accepts both and the caller rewrites
// the record in the current form on its next update.

func Encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func Decode(data string, v interface{}) error {
	d := json.NewDecoder(bytes.NewReader([]byte(data)))
	d.UseNumber()
	return d.Decode(v)
}

// DecodeTolerant decodes data into v; when data is not valid JSON it is
// interpreted as a bare string and handed to fallback.
func DecodeTolerant(data string, v interface{}, fallback func(raw string) error) error {
	trimmed := strings.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[' || trimmed[0] == '"') {
		if err := Decode(trimmed, v); err == nil {
			return nil
		}
	}
	return fallback(data)
}
