package mpio

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// EngineID identifies one messaging engine. It is a plain value so it can be
// used directly as a map key.
type EngineID [8]byte

// NewEngineID derives a fresh engine id from a random UUID.
func NewEngineID() EngineID {
	u := uuid.New()
	var id EngineID
	copy(id[:], u[:8])
	return id
}

// ParseEngineID parses the 16 hex characters produced by String.
func ParseEngineID(s string) (EngineID, error) {
	var id EngineID
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("invalid engine id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid engine id %q: want %d bytes, got %d", s, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// IsZero reports whether the id was left unset.
func (id EngineID) IsZero() bool {
	return id == EngineID{}
}

func (id EngineID) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

func (id EngineID) LogValue() slog.Value {
	return slog.StringValue(id.String())
}

// MarshalText lets engine ids travel as strings in JSON frames and admin responses.
func (id EngineID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *EngineID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = EngineID{}
		return nil
	}
	parsed, err := ParseEngineID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
