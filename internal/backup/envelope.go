// Package backup encodes store snapshots into checksummed export envelopes
// and archives them in blob storage.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"estatecrm/internal/core"
)

// Version is the envelope format written by Encode.
const Version = 1

// ErrInvalid marks envelopes that fail decoding or verification.
var ErrInvalid = errors.New("backup: invalid envelope")

// Integrity carries the data checksum.
type Integrity struct {
	Checksum string `json:"checksum"`
	Complete bool   `json:"complete"`
}

// Envelope is the export file format.
type Envelope struct {
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exportedAt"`
	ExportedBy string         `json:"exportedBy"`
	Integrity  Integrity      `json:"integrity"`
	Counts     map[string]int `json:"counts"`
	Data       core.Snapshot  `json:"data"`
}

// Checksum is the hex SHA-256 of the JSON encoding of snap. encoding/json
// sorts map keys, so equal snapshots hash equally.
func Checksum(snap core.Snapshot) (string, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// New wraps snap in an envelope stamped with the exporting user and time.
func New(snap core.Snapshot, exportedBy string, at time.Time) (Envelope, error) {
	sum, err := Checksum(snap)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Version:    Version,
		ExportedAt: at.UTC(),
		ExportedBy: exportedBy,
		Integrity:  Integrity{Checksum: sum, Complete: true},
		Counts:     snap.Counts(),
		Data:       snap,
	}, nil
}

// Encode renders env as indented JSON.
func Encode(env Envelope) ([]byte, error) {
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

// Decode parses and verifies an envelope: the version must be known, the
// checksum must match the data and the counts must match the collections.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := env.Verify(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Verify checks version, checksum and counts.
func (e Envelope) Verify() error {
	if e.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalid, e.Version)
	}
	if !e.Integrity.Complete {
		return fmt.Errorf("%w: export marked incomplete", ErrInvalid)
	}
	sum, err := Checksum(e.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if sum != e.Integrity.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalid)
	}
	actual := e.Data.Counts()
	for _, name := range slices.Sorted(maps.Keys(actual)) {
		if e.Counts[name] != actual[name] {
			return fmt.Errorf("%w: %s count %d does not match %d records", ErrInvalid, name, e.Counts[name], actual[name])
		}
	}
	return nil
}
