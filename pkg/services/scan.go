package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// jsonMap scans a JSONB column into a map. NULL scans to nil.
type jsonMap map[string]any

func (m *jsonMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into jsonMap", src)
	}
	return json.Unmarshal(raw, m)
}

// jsonStrings scans a JSONB array column into a string slice.
type jsonStrings []string

func (s *jsonStrings) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into jsonStrings", src)
	}
	return json.Unmarshal(raw, s)
}

// jsonWeights scans a JSONB object column into role → weight.
type jsonWeights map[string]float64

func (w *jsonWeights) Scan(src any) error {
	if src == nil {
		*w = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into jsonWeights", src)
	}
	return json.Unmarshal(raw, w)
}

// mustJSON marshals a value for a JSONB parameter; nil maps become the
// empty object/array the schema defaults expect.
func mustJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// notFoundOr maps sql.ErrNoRows onto ErrNotFound.
func notFoundOr(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUniqueViolation reports whether err is a unique constraint violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}

// utcNow returns the current time at the store's second granularity.
func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
