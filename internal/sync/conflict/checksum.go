// Package conflict detects divergence between local and remote snapshots
// of an entity and resolves it with field-level merge rules.
package conflict

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
)

// Checksum returns the hex SHA-256 of v's canonical JSON form. Object keys
// are sorted recursively, so key order never changes the result.
func Checksum(v any) (string, error) {
	canonical, err := canonicalJSON(v)
	if err != nil {
		return "", errors.Wrap(errors.ErrChecksumFailed, "checksum", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON round-trips v through generic JSON values. encoding/json
// writes map keys in sorted order, and UseNumber keeps numbers exactly as
// they were written.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
