// Package models contains domain models for bookmind.
package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// JSONStringArray is a []string stored as a JSON text column.
// Scanning is lenient: an unparseable column value becomes an empty array.
type JSONStringArray []string

// Value implements driver.Valuer.
func (a JSONStringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(a))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (a *JSONStringArray) Scan(value interface{}) error {
	raw, err := columnBytes(value)
	if err != nil {
		return err
	}
	*a = JSONStringArray(decodeStrings(raw))
	return nil
}

// JSONConcepts is a []Concept stored as a JSON text column.
type JSONConcepts []Concept

// Value implements driver.Valuer.
func (c JSONConcepts) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]Concept(c))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (c *JSONConcepts) Scan(value interface{}) error {
	raw, err := columnBytes(value)
	if err != nil {
		return err
	}
	*c = JSONConcepts(decodeConcepts(raw))
	return nil
}

// LenientStrings decodes from either a JSON array of strings or a string that
// itself holds an encoded JSON array. Anything else decodes to an empty list.
type LenientStrings []string

// UnmarshalJSON implements json.Unmarshaler. It never returns an error.
func (l *LenientStrings) UnmarshalJSON(data []byte) error {
	*l = LenientStrings(decodeStrings(unquoteEncoded(data)))
	return nil
}

// LenientConcepts is the concept-list counterpart of LenientStrings.
type LenientConcepts []Concept

// UnmarshalJSON implements json.Unmarshaler. It never returns an error.
func (l *LenientConcepts) UnmarshalJSON(data []byte) error {
	*l = LenientConcepts(decodeConcepts(unquoteEncoded(data)))
	return nil
}

// LenientMinutes decodes a duration in minutes from a JSON number, fractional
// or not, or from a numeric string such as "7.5". Values are rounded to whole
// minutes. Anything unparseable or not positive decodes to nil.
type LenientMinutes struct {
	Minutes *int
}

// UnmarshalJSON implements json.Unmarshaler. It never returns an error.
func (m *LenientMinutes) UnmarshalJSON(data []byte) error {
	m.Minutes = nil
	raw := string(unquoteEncoded(data))
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "min"))
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	rounded := math.Round(f)
	if rounded <= 0 || rounded > math.MaxInt32 {
		return nil
	}
	n := int(rounded)
	m.Minutes = &n
	return nil
}

// unquoteEncoded turns `"[\"a\"]"` into `["a"]`; other input is returned as is.
func unquoteEncoded(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil
	}
	return []byte(inner)
}

func decodeStrings(raw []byte) []string {
	out := []string{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func decodeConcepts(raw []byte) []Concept {
	out := []Concept{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return []Concept{}
	}
	return out
}

func columnBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSON column type %T", value)
	}
}
