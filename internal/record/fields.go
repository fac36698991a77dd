package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

func requiredString(raw Raw, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", &FieldError{Field: key, Reason: "missing"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &FieldError{Field: key, Reason: fmt.Sprintf("want string, got %T", v)}
	}
	if strings.TrimSpace(s) == "" {
		return "", &FieldError{Field: key, Reason: "empty"}
	}
	return s, nil
}

// optionalString accepts absent/null as "". Numbers are rejected: a text field
// holding a number almost always means the record columns are shifted.
func optionalString(raw Raw, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &FieldError{Field: key, Reason: fmt.Sprintf("want string, got %T", v)}
	}
	return s, nil
}

// optionalFloat returns nil for absent, null, or empty-string values.
func optionalFloat(raw Raw, key string) (*float64, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}

	var (
		f   float64
		err error
	)
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		f, err = strconv.ParseFloat(t.String(), 64)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		f, err = strconv.ParseFloat(s, 64)
	default:
		if st, ok := v.(fmt.Stringer); ok {
			f, err = strconv.ParseFloat(st.String(), 64)
			break
		}
		return nil, &FieldError{Field: key, Reason: fmt.Sprintf("want number, got %T", v)}
	}
	if err != nil {
		return nil, &FieldError{Field: key, Reason: "not a number: " + err.Error()}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &FieldError{Field: key, Reason: "not a finite number"}
	}
	return &f, nil
}

// optionalInt returns nil for absent, null, or empty-string values.
// Floats are accepted only when integral (pandas writes ts as 1.5414e12 in some dumps).
func optionalInt(raw Raw, key string) (*int64, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}

	var s string
	switch t := v.(type) {
	case int:
		n := int64(t)
		return &n, nil
	case int64:
		return &t, nil
	case float64:
		return integral(key, t)
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
	default:
		st, ok := v.(fmt.Stringer)
		if !ok {
			return nil, &FieldError{Field: key, Reason: fmt.Sprintf("want integer, got %T", v)}
		}
		s = st.String()
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, &FieldError{Field: key, Reason: fmt.Sprintf("not an integer: %q", s)}
	}
	return integral(key, f)
}

func integral(key string, f float64) (*int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, &FieldError{Field: key, Reason: fmt.Sprintf("not an integer: %v", f)}
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if f >= 0x1p63 || f < -0x1p63 {
		return nil, &FieldError{Field: key, Reason: "integer out of range"}
	}
	n := int64(f)
	return &n, nil
}
