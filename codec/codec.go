// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package codec provides the schema-versioned encoding used to persist
// consensus state: a fixed two-byte version prefix followed by a JSON
// payload. JSON keeps the format self-describing (field names survive
// in the encoding, so adding a field never breaks old readers), while
// the version prefix lets a future breaking change in the payload shape
// be rejected explicitly rather than silently misparsed.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Version identifies the payload shape a blob was encoded with.
type Version uint16

// CurrentVersion is the only version this build knows how to decode.
const CurrentVersion Version = 1

// Marshal encodes v as a CurrentVersion-tagged blob.
func Marshal(v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	out := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(out[:2], uint16(CurrentVersion))
	copy(out[2:], payload)
	return out, nil
}

// Unmarshal decodes a blob produced by Marshal into v. It returns an
// error if the blob's version tag is not CurrentVersion.
func Unmarshal(blob []byte, v interface{}) error {
	if len(blob) < 2 {
		return fmt.Errorf("codec: blob too short to contain a version tag")
	}
	version := Version(binary.BigEndian.Uint16(blob[:2]))
	if version != CurrentVersion {
		return fmt.Errorf("codec: unsupported schema version %d, want %d", version, CurrentVersion)
	}
	if err := json.Unmarshal(blob[2:], v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}
