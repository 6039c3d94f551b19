package resource

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"pkt.systems/reportsync/internal/pickle0"
)

// APIVersion is the REST API version advertised by a server.
type APIVersion float64

// ModernVersion is the first API version that accepts JSON payloads.
const ModernVersion APIVersion = 1.0

// LegacyMarker prefixes base64 pickle payloads carried in text fields.
const LegacyMarker = "!@P0@!"

// ErrMigration is returned when a payload cannot be re-encoded exactly.
var ErrMigration = errors.New("resource: payload migration unsupported")

// Semver renders the version in golang.org/x/mod/semver form ("v1.0").
func (v APIVersion) Semver() string {
	s := strconv.FormatFloat(float64(v), 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return "v" + s
}

// Legacy reports whether the server expects pickled payloads.
func (v APIVersion) Legacy() bool {
	return v.Compare(ModernVersion) < 0
}

// Compare orders two API versions.
func (v APIVersion) Compare(other APIVersion) int {
	a, b := v.Semver(), other.Semver()
	if semver.IsValid(a) && semver.IsValid(b) {
		return semver.Compare(a, b)
	}
	switch {
	case v < other:
		return -1
	case v > other:
		return 1
	}
	return 0
}

func (v APIVersion) String() string {
	return strings.TrimPrefix(v.Semver(), "v")
}

const isoLayout = "2006-01-02T15:04:05.999999-07:00"

// FormatTime renders t in ISO-8601 with microsecond precision, using Z for
// UTC.
func FormatTime(t time.Time) string {
	s := t.Format(isoLayout)
	if strings.HasSuffix(s, "+00:00") {
		s = strings.TrimSuffix(s, "+00:00") + "Z"
	}
	return s
}

// ParseTime accepts the forms produced by FormatTime and RFC 3339.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}
	for _, layout := range []string{isoLayout, time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("resource: unparseable time %q", s)
}

// NormalizeJSON converts v into values encoding/json renders the way report
// servers expect: times as ISO-8601 with Z, UUIDs as strings, byte slices
// decoded as UTF-8, sets and other iterables as lists and N-dimensional
// arrays as nested lists.
func NormalizeJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return FormatTime(t), nil
	case uuid.UUID:
		return t.String(), nil
	case uuid.NullUUID:
		if !t.Valid {
			return nil, nil
		}
		return t.UUID.String(), nil
	case []byte:
		if !utf8.Valid(t) {
			return nil, fmt.Errorf("resource: bytes are not valid UTF-8")
		}
		return string(t), nil
	case string, bool, float64, float32, int, int64, int32, int16, int8, uint, uint64, uint32, uint16, uint8:
		return t, nil
	case json.Number:
		return t, nil
	case map[string]struct{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return NormalizeJSON(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			n, err := NormalizeJSON(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("resource: map key type %s is not a string", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := NormalizeJSON(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = n
		}
		return out, nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return nil, fmt.Errorf("resource: cannot encode %T", v)
}

// EncodeValue renders a payload value into the text field format expected
// by a server speaking version v.
func EncodeValue(value any, v APIVersion) (string, error) {
	normalized, err := NormalizeJSON(value)
	if err != nil {
		return "", err
	}
	if v.Legacy() {
		raw, err := pickle0.Encode(normalized)
		if err != nil {
			return "", err
		}
		return LegacyMarker + base64.StdEncoding.EncodeToString(raw), nil
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeValue reverses EncodeValue. A marker-prefixed string is a legacy
// pickle; otherwise JSON is attempted and, failing that, the text is
// returned as a plain string.
func DecodeValue(text string) (any, error) {
	if strings.HasPrefix(text, LegacyMarker) {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(text, LegacyMarker))
		if err != nil {
			return nil, fmt.Errorf("resource: legacy payload base64: %w", err)
		}
		return pickle0.Decode(raw)
	}
	var out any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return text, nil
	}
	return out, nil
}
