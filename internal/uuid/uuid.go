// Package uuid keeps a device UDN stable across restarts.
package uuid

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const prefix = "uuid:"

// LoadOrCreate returns the UDN stored at path, creating and storing a new
// random one when the file is missing or does not hold a valid UUID. When
// storing fails the new UDN is returned with the error.
func LoadOrCreate(path string) (string, error) {
	if b, err := os.ReadFile(path); err == nil {
		if udn, ok := Normalize(string(b)); ok {
			return udn, nil
		}
	}

	udn := New()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return udn, fmt.Errorf("store udn: %w", err)
	}
	if err := os.WriteFile(path, []byte(udn+"\n"), 0o644); err != nil {
		return udn, fmt.Errorf("store udn: %w", err)
	}
	return udn, nil
}

// New returns a random UDN.
func New() string { return prefix + uuid.NewString() }

// Normalize parses s with or without the "uuid:" prefix and returns it in
// canonical UDN form.
func Normalize(s string) (string, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, prefix)
	id, err := uuid.Parse(s)
	if err != nil {
		return "", false
	}
	return prefix + id.String(), true
}
