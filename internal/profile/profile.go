// Package profile remembers who this participant was last time, so a rejoin
// can be pre-filled.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Profile struct {
	Room       string `json:"room"`
	Role       string `json:"role"`
	Callsign   string `json:"callsign"`
	UnitType   string `json:"unitType"`
	OperatorID string `json:"operatorId"`
}

// Load reads the profile at path. A missing file yields an empty profile.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Profile{}, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile %s: %w", path, err)
	}
	return p, nil
}

// Save writes p atomically, creating the parent directory if needed.
func Save(path string, p Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".profile-*.json")
	if err != nil {
		return fmt.Errorf("create temp profile: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close profile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace profile: %w", err)
	}
	return nil
}

// Merge fills blank fields of p from fallback. Explicit settings win over a
// remembered profile.
func (p Profile) Merge(fallback Profile) Profile {
	pick := func(a, b string) string {
		if strings.TrimSpace(a) != "" {
			return a
		}
		return b
	}
	return Profile{
		Room:       pick(p.Room, fallback.Room),
		Role:       pick(p.Role, fallback.Role),
		Callsign:   pick(p.Callsign, fallback.Callsign),
		UnitType:   pick(p.UnitType, fallback.UnitType),
		OperatorID: pick(p.OperatorID, fallback.OperatorID),
	}
}
