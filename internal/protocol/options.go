package protocol

import (
	"math"
	"strconv"
)

// String reads a string option from the command payload.
func (p CommandPayload) String(key string) (string, bool) {
	if p.Payload == nil {
		return "", false
	}
	v, ok := p.Payload[key]
	if !ok || v == nil {
		return "", false
	}
	switch typed := v.(type) {
	case string:
		return typed, true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(typed), true
	}
	return "", false
}

// Int reads an integer option. JSON numbers decode as float64; non-integral
// numbers are rejected.
func (p CommandPayload) Int(key string) (int, bool) {
	if p.Payload == nil {
		return 0, false
	}
	switch typed := p.Payload[key].(type) {
	case float64:
		if typed != math.Trunc(typed) {
			return 0, false
		}
		return int(typed), true
	case int:
		return typed, true
	case string:
		n, err := strconv.Atoi(typed)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Bool reads a boolean option; missing keys report false.
func (p CommandPayload) Bool(key string) bool {
	if p.Payload == nil {
		return false
	}
	b, _ := p.Payload[key].(bool)
	return b
}

// Object reads a nested object option.
func (p CommandPayload) Object(key string) map[string]any {
	if p.Payload == nil {
		return nil
	}
	m, _ := p.Payload[key].(map[string]any)
	return m
}

// Has reports whether the option key is present.
func (p CommandPayload) Has(key string) bool {
	if p.Payload == nil {
		return false
	}
	_, ok := p.Payload[key]
	return ok
}
