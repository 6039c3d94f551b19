package pickle0

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecodePythonProtocol0(t *testing.T) {
	// pickle.dumps({'a': [1, 2.5, 'x\n', None, True]}, protocol=0)
	raw := []byte("(dp0\nVa\np1\n(lp2\nI1\naF2.5\naVx\\u000a\np3\naNaI01\nas.")
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]any{"a": []any{int64(1), 2.5, "x\n", nil, true}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected value: %#v", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := map[string]any{
		"array":  []any{[]any{1.5, 2.0}, []any{3.25, -4.0}},
		"dtype":  "f8",
		"shape":  []any{int64(2), int64(2)},
		"labels": []any{"a b", "ü", "back\\slash"},
		"ready":  false,
		"none":   nil,
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", out, in)
	}
}

func TestDecodeLegacyStringOpcode(t *testing.T) {
	got, err := Decode([]byte("S'it\\'s'\np0\n."))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "it's" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeRejectsGlobals(t *testing.T) {
	_, err := Decode([]byte("cdatetime\ndatetime\n."))
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestEncodeRejectsNonStringKeys(t *testing.T) {
	if _, err := Encode(map[int]string{1: "a"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
