// Package llmjson decodes JSON embedded in free-form LLM responses.
// Responses may be wrapped in Markdown fences, surrounded by prose, or cut off
// mid-array when the model hits its output token limit.
package llmjson

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

var (
	// ErrNoJSON is returned when the text contains no JSON container at all.
	ErrNoJSON = errors.New("no JSON found in response")

	// ErrUnrepairable is returned when a truncated array holds no complete element.
	ErrUnrepairable = errors.New("truncated JSON array could not be repaired")

	// ErrNotArray is returned by DecodeArray when the outermost JSON value is an object.
	ErrNotArray = errors.New("top-level JSON value is not an array")
)

// StripFences removes Markdown code fences such as ```json ... ```.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.Contains(text, "```") {
		return text
	}

	var sb strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return strings.TrimSpace(sb.String())
}

// Slice returns the text from the first open byte ('[' or '{') up to the last
// matching closer. If no closer follows, the tail is returned unchanged so that
// truncation repair can work on it.
func Slice(text string, open byte) (string, error) {
	closer := closerFor(open)
	start := strings.IndexByte(text, open)
	if start < 0 {
		return "", ErrNoJSON
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return text[start:], nil
	}
	return text[start : end+1], nil
}

// DecodeArray decodes a JSON array from an LLM response into out, repairing a
// truncated array when needed. It reports whether a repair was applied.
func DecodeArray(text string, out interface{}) (repaired bool, err error) {
	clean := StripFences(text)
	if obj := strings.IndexByte(clean, '{'); obj >= 0 {
		if arr := strings.IndexByte(clean, '['); arr < 0 || obj < arr {
			return false, ErrNotArray
		}
	}
	body, err := Slice(clean, '[')
	if err != nil {
		return false, err
	}

	firstErr := json.Unmarshal([]byte(body), out)
	if firstErr == nil {
		return false, nil
	}

	// Repair works on everything after the first '[': the last ']' of a
	// truncated response usually belongs to a nested list.
	tail := clean[strings.IndexByte(clean, '['):]
	fixed, err := RepairArray(tail)
	if err != nil {
		return false, fmt.Errorf("decode array: %v: %w", firstErr, err)
	}
	if err := json.Unmarshal([]byte(fixed), out); err != nil {
		return false, fmt.Errorf("decode repaired array: %w", err)
	}
	return true, nil
}

// DecodeObject decodes a JSON object from an LLM response into out.
func DecodeObject(text string, out interface{}) error {
	body, err := Slice(StripFences(text), '{')
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("decode object: %w", err)
	}
	return nil
}

// RepairArray closes a JSON array that was cut off before its end.
//
// When the cut happened inside a string of a list nested in an object (a topic
// list, typically) the string and every open container are closed. Otherwise, or
// if that result is still invalid, the array is closed right after its last
// complete top-level element.
func RepairArray(text string) (string, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "[") {
		return "", ErrUnrepairable
	}

	st := scan(text)

	if st.inString && len(st.stack) >= 3 && st.stack[len(st.stack)-1] == '[' {
		var sb strings.Builder
		sb.WriteString(text)
		if st.escaped {
			sb.WriteByte('\\')
		}
		sb.WriteByte('"')
		for i := len(st.stack) - 1; i >= 0; i-- {
			sb.WriteByte(closerFor(st.stack[i]))
		}
		candidate := sb.String()
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}

	if st.lastElementEnd < 0 {
		return "", ErrUnrepairable
	}
	candidate := text[:st.lastElementEnd+1] + "]"
	if !json.Valid([]byte(candidate)) {
		return "", ErrUnrepairable
	}
	return candidate, nil
}

type scanState struct {
	stack          []byte
	lastElementEnd int
	inString       bool
	escaped        bool
}

// scan walks text tracking open containers and the offset where the most
// recent element directly inside the outer array ended.
func scan(text string) scanState {
	st := scanState{lastElementEnd: -1}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if st.inString {
			switch {
			case st.escaped:
				st.escaped = false
			case c == '\\':
				st.escaped = true
			case c == '"':
				st.inString = false
			}
			continue
		}

		switch c {
		case '"':
			st.inString = true
		case '[', '{':
			st.stack = append(st.stack, c)
		case ']', '}':
			if len(st.stack) == 0 {
				continue
			}
			st.stack = st.stack[:len(st.stack)-1]
			if len(st.stack) == 1 {
				st.lastElementEnd = i
			}
		}
	}
	return st
}

func closerFor(open byte) byte {
	if open == '{' {
		return '}'
	}
	return ']'
}
