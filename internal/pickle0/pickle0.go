// Package pickle0 reads and writes Python pickle protocol 0 streams for the
// small value set used by legacy report payloads: None, bool, int, float,
// str, list, tuple and dict. Class references (GLOBAL/REDUCE) are rejected.
package pickle0

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrUnsupported is returned for opcodes or Go values outside the supported set.
var ErrUnsupported = errors.New("pickle0: unsupported value")

// Encode serializes v as a protocol 0 pickle terminated by STOP.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	buf.WriteByte('.')
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, rv reflect.Value) error {
	if !rv.IsValid() {
		buf.WriteByte('N')
		return nil
	}
	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			buf.WriteByte('N')
			return nil
		}
		return encodeValue(buf, rv.Elem())
	case reflect.Bool:
		if rv.Bool() {
			buf.WriteString("I01\n")
		} else {
			buf.WriteString("I00\n")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString("I" + strconv.FormatInt(rv.Int(), 10) + "\n")
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			buf.WriteString("L" + strconv.FormatUint(u, 10) + "L\n")
			return nil
		}
		buf.WriteString("I" + strconv.FormatUint(u, 10) + "\n")
	case reflect.Float32, reflect.Float64:
		buf.WriteString("F" + formatFloat(rv.Float()) + "\n")
	case reflect.String:
		buf.WriteString("V" + rawUnicodeEscape(rv.String()) + "\n")
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			b := rv.Bytes()
			if !utf8.Valid(b) {
				return fmt.Errorf("%w: non utf-8 bytes", ErrUnsupported)
			}
			buf.WriteString("V" + rawUnicodeEscape(string(b)) + "\n")
			return nil
		}
		buf.WriteString("(l")
		for i := 0; i < rv.Len(); i++ {
			if err := encodeValue(buf, rv.Index(i)); err != nil {
				return err
			}
			buf.WriteByte('a')
		}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: map key %s", ErrUnsupported, rv.Type().Key())
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		buf.WriteString("(d")
		for _, k := range keys {
			buf.WriteString("V" + rawUnicodeEscape(k) + "\n")
			if err := encodeValue(buf, rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))); err != nil {
				return err
			}
			buf.WriteByte('s')
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, rv.Type())
	}
	return nil
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// rawUnicodeEscape mirrors Python's raw-unicode-escape codec, escaping the
// backslash and line breaks so the value fits on one opcode line.
func rawUnicodeEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\\' || r == '\n' || r == '\r':
			fmt.Fprintf(&b, "\\u%04x", r)
		case r < 0x80:
			b.WriteRune(r)
		case r <= 0xffff:
			fmt.Fprintf(&b, "\\u%04x", r)
		default:
			fmt.Fprintf(&b, "\\U%08x", r)
		}
	}
	return b.String()
}

type mark struct{}

// Decode parses a protocol 0 pickle. Lists and tuples decode to []any, dicts
// to map[string]any, ints to int64 and floats to float64.
func Decode(data []byte) (any, error) {
	d := &decoder{data: data, memo: make(map[string]any)}
	return d.run()
}

type decoder struct {
	data  []byte
	pos   int
	stack []any
	memo  map[string]any
}

func (d *decoder) line() (string, error) {
	idx := bytes.IndexByte(d.data[d.pos:], '\n')
	if idx < 0 {
		return "", fmt.Errorf("pickle0: unterminated line at offset %d", d.pos)
	}
	s := string(d.data[d.pos : d.pos+idx])
	d.pos += idx + 1
	return s, nil
}

func (d *decoder) push(v any) { d.stack = append(d.stack, v) }

func (d *decoder) pop() (any, error) {
	if len(d.stack) == 0 {
		return nil, errors.New("pickle0: stack underflow")
	}
	v := d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	return v, nil
}

func (d *decoder) top() (any, error) {
	if len(d.stack) == 0 {
		return nil, errors.New("pickle0: stack underflow")
	}
	return d.stack[len(d.stack)-1], nil
}

func (d *decoder) popMark() ([]any, error) {
	for i := len(d.stack) - 1; i >= 0; i-- {
		if _, ok := d.stack[i].(mark); ok {
			items := append([]any(nil), d.stack[i+1:]...)
			d.stack = d.stack[:i]
			return items, nil
		}
	}
	return nil, errors.New("pickle0: mark not found")
}

func (d *decoder) run() (any, error) {
	for d.pos < len(d.data) {
		op := d.data[d.pos]
		d.pos++
		switch op {
		case '.':
			v, err := d.pop()
			if err != nil {
				return nil, err
			}
			return finalize(v), nil
		case '(':
			d.push(mark{})
		case 'N':
			d.push(nil)
		case 'I':
			s, err := d.line()
			if err != nil {
				return nil, err
			}
			switch s {
			case "01":
				d.push(true)
			case "00":
				d.push(false)
			default:
				n, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("pickle0: int %q: %w", s, err)
				}
				d.push(n)
			}
		case 'L':
			s, err := d.line()
			if err != nil {
				return nil, err
			}
			n, err := strconv.ParseInt(strings.TrimSuffix(s, "L"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("pickle0: long %q: %w", s, err)
			}
			d.push(n)
		case 'F':
			s, err := d.line()
			if err != nil {
				return nil, err
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("pickle0: float %q: %w", s, err)
			}
			d.push(f)
		case 'S':
			s, err := d.line()
			if err != nil {
				return nil, err
			}
			str, err := unquotePythonRepr(s)
			if err != nil {
				return nil, err
			}
			d.push(str)
		case 'V':
			s, err := d.line()
			if err != nil {
				return nil, err
			}
			d.push(rawUnicodeUnescape(s))
		case 'l':
			items, err := d.popMark()
			if err != nil {
				return nil, err
			}
			list := &listBox{items: items}
			d.push(list)
		case 't':
			items, err := d.popMark()
			if err != nil {
				return nil, err
			}
			d.push(&listBox{items: items})
		case 'd':
			items, err := d.popMark()
			if err != nil {
				return nil, err
			}
			if len(items)%2 != 0 {
				return nil, errors.New("pickle0: odd dict item count")
			}
			m := make(map[string]any, len(items)/2)
			for i := 0; i < len(items); i += 2 {
				m[keyString(items[i])] = items[i+1]
			}
			d.push(m)
		case 'a':
			v, err := d.pop()
			if err != nil {
				return nil, err
			}
			top, err := d.top()
			if err != nil {
				return nil, err
			}
			list, ok := top.(*listBox)
			if !ok {
				return nil, errors.New("pickle0: APPEND target is not a list")
			}
			list.items = append(list.items, v)
		case 's':
			v, err := d.pop()
			if err != nil {
				return nil, err
			}
			k, err := d.pop()
			if err != nil {
				return nil, err
			}
			top, err := d.top()
			if err != nil {
				return nil, err
			}
			m, ok := top.(map[string]any)
			if !ok {
				return nil, errors.New("pickle0: SETITEM target is not a dict")
			}
			m[keyString(k)] = v
		case 'p':
			s, err := d.line()
			if err != nil {
				return nil, err
			}
			top, err := d.top()
			if err != nil {
				return nil, err
			}
			d.memo[s] = top
		case 'g':
			s, err := d.line()
			if err != nil {
				return nil, err
			}
			v, ok := d.memo[s]
			if !ok {
				return nil, fmt.Errorf("pickle0: memo %q missing", s)
			}
			d.push(v)
		case '0':
			if _, err := d.pop(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: opcode %q at offset %d", ErrUnsupported, op, d.pos-1)
		}
	}
	return nil, errors.New("pickle0: missing STOP opcode")
}

// listBox keeps list identity while APPEND mutates it.
type listBox struct{ items []any }

func finalize(v any) any {
	switch t := v.(type) {
	case *listBox:
		out := make([]any, len(t.items))
		for i, item := range t.items {
			out[i] = finalize(item)
		}
		return out
	case map[string]any:
		for k, item := range t {
			t[k] = finalize(item)
		}
		return t
	default:
		return v
	}
}

func keyString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func rawUnicodeUnescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && (s[i+1] == 'u' || s[i+1] == 'U') {
			width := 4
			if s[i+1] == 'U' {
				width = 8
			}
			if i+2+width <= len(s) {
				if n, err := strconv.ParseUint(s[i+2:i+2+width], 16, 32); err == nil {
					b.WriteRune(rune(n))
					i += 1 + width
					continue
				}
			}
		}
		// raw-unicode-escape stores code points below 256 as latin-1 bytes.
		b.WriteRune(rune(c))
	}
	return b.String()
}

func unquotePythonRepr(s string) (string, error) {
	if len(s) < 2 || (s[0] != '\'' && s[0] != '"') || s[len(s)-1] != s[0] {
		return "", fmt.Errorf("pickle0: malformed string %q", s)
	}
	body := s[1 : len(s)-1]
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i+1 >= len(body) {
			b.WriteByte(c)
			continue
		}
		i++
		switch body[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '0':
			b.WriteByte(0)
		case '\\', '\'', '"':
			b.WriteByte(body[i])
		case 'x':
			if i+3 > len(body) {
				return "", fmt.Errorf("pickle0: truncated escape in %q", s)
			}
			n, err := strconv.ParseUint(body[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("pickle0: bad escape in %q: %w", s, err)
			}
			b.WriteByte(byte(n))
			i += 2
		default:
			b.WriteByte('\\')
			b.WriteByte(body[i])
		}
	}
	return b.String(), nil
}
