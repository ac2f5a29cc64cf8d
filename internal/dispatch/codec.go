package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	ErrEmptyPayload = errors.New("empty snapshot payload")
	ErrNotSnapshot  = errors.New("payload carries neither units nor incidents")
)

// wireSnapshot tells a missing or null list apart from an empty one.
type wireSnapshot struct {
	Units     *[]Unit     `json:"units"`
	Incidents *[]Incident `json:"incidents"`
}

// Encode serializes a snapshot to the string form stored at a room path.
func Encode(s Snapshot) (string, error) {
	data, err := json.Marshal(normalize(s.Clone()))
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(data), nil
}

// Decode parses a serialized snapshot. Callers treat any error as "no update".
func Decode(raw string) (Snapshot, error) {
	if strings.TrimSpace(raw) == "" {
		return Snapshot{}, ErrEmptyPayload
	}
	var wire *wireSnapshot
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if wire == nil || (wire.Units == nil && wire.Incidents == nil) {
		return Snapshot{}, ErrNotSnapshot
	}
	var s Snapshot
	if wire.Units != nil {
		s.Units = *wire.Units
	}
	if wire.Incidents != nil {
		s.Incidents = *wire.Incidents
	}
	return normalize(s), nil
}

// Equal compares two snapshots field for field.
func Equal(a, b Snapshot) bool {
	return reflect.DeepEqual(normalize(a.Clone()), normalize(b.Clone()))
}
