package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NormalizeKey converts a key value to a canonical string form, suitable for
// in-memory keys and shard selection (e.g. "ARD7TVE1187B99BFB1" or "8").
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps keys consistent across int/int64/json-ish inputs and times.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// CompositeKey joins the normalized values with a unit separator.
func CompositeKey(values ...any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = NormalizeKey(v)
	}
	return strings.Join(parts, "\x1f")
}
