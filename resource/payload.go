package resource

import (
	"errors"
	"fmt"
	"path/filepath"
)

// PayloadKind is the item "type" field.
type PayloadKind string

const (
	PayloadString    PayloadKind = "string"
	PayloadHTML      PayloadKind = "html"
	PayloadTable     PayloadKind = "table"
	PayloadTree      PayloadKind = "tree"
	PayloadImage     PayloadKind = "image"
	PayloadAnimation PayloadKind = "animation"
	PayloadScene     PayloadKind = "scene"
	PayloadFile      PayloadKind = "file"
	PayloadNone      PayloadKind = "none"
)

// PayloadKinds is the closed set of supported payload kinds.
var PayloadKinds = []PayloadKind{
	PayloadString, PayloadHTML, PayloadTable, PayloadTree,
	PayloadImage, PayloadAnimation, PayloadScene, PayloadFile, PayloadNone,
}

// ErrPayload marks an invalid or unsupported payload.
var ErrPayload = errors.New("resource: invalid payload")

// IsFile reports whether payloads of this kind carry a binary upload.
func (k PayloadKind) IsFile() bool {
	switch k {
	case PayloadImage, PayloadAnimation, PayloadScene, PayloadFile:
		return true
	}
	return false
}

// Valid reports whether k belongs to the closed set.
func (k PayloadKind) Valid() bool {
	for _, known := range PayloadKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Payload is the content carried by an Item. Implementations are the
// closed set in this package: TextPayload, *Table, *Tree, *FilePayload,
// NonePayload and, for content read from a server that could not be
// decoded, opaquePayload.
type Payload interface {
	Kind() PayloadKind
	Validate() error
}

// TextPayload is a string or html payload.
type TextPayload struct {
	HTML bool
	Text string
}

func (p TextPayload) Kind() PayloadKind {
	if p.HTML {
		return PayloadHTML
	}
	return PayloadString
}

func (p TextPayload) Validate() error { return nil }

// FilePayload is an image, animation, scene or generic file payload. Data
// is uploaded separately from the item metadata.
type FilePayload struct {
	Type     PayloadKind
	Filename string
	Data     []byte
}

func (p *FilePayload) Kind() PayloadKind { return p.Type }

func (p *FilePayload) Validate() error {
	if !p.Type.IsFile() {
		return fmt.Errorf("%w: %q is not a file payload kind", ErrPayload, p.Type)
	}
	if p.Filename == "" {
		return fmt.Errorf("%w: file payload requires a filename", ErrPayload)
	}
	if filepath.Base(p.Filename) != p.Filename {
		return fmt.Errorf("%w: file payload name %q must not contain a directory", ErrPayload, p.Filename)
	}
	return nil
}

// NonePayload is the empty payload.
type NonePayload struct{}

func (NonePayload) Kind() PayloadKind { return PayloadNone }
func (NonePayload) Validate() error   { return nil }

// opaquePayload keeps payloaddata that could not be decoded into the
// closed set so it can be pushed back unchanged to a server of the same
// API version.
type opaquePayload struct {
	kind PayloadKind
	raw  string
}

func (p opaquePayload) Kind() PayloadKind { return p.kind }

func (p opaquePayload) Validate() error {
	return fmt.Errorf("%w: payload of type %q was not decodable", ErrPayload, p.kind)
}

// payloadValue returns the value carried in payloaddata, before version
// specific encoding.
func payloadValue(p Payload) (any, error) {
	switch t := p.(type) {
	case TextPayload:
		return t.Text, nil
	case *Table:
		return t.wire(), nil
	case *Tree:
		return t.wire(), nil
	case *FilePayload:
		return t.Filename, nil
	case NonePayload:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrPayload, p)
	}
}

// encodePayload renders payloaddata for API version v.
func encodePayload(p Payload, v APIVersion) (string, error) {
	if op, ok := p.(opaquePayload); ok {
		return op.raw, nil
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	if p.Kind() == PayloadNone {
		return "", nil
	}
	value, err := payloadValue(p)
	if err != nil {
		return "", err
	}
	return EncodeValue(value, v)
}

// decodePayload rebuilds a payload from its type and payloaddata fields.
func decodePayload(kind PayloadKind, raw string) (Payload, error) {
	if kind == "" {
		kind = PayloadNone
	}
	if !kind.Valid() {
		return opaquePayload{kind: kind, raw: raw}, nil
	}
	if kind == PayloadNone {
		return NonePayload{}, nil
	}
	value, err := DecodeValue(raw)
	if err != nil {
		return opaquePayload{kind: kind, raw: raw}, nil
	}
	switch kind {
	case PayloadString, PayloadHTML:
		s, ok := value.(string)
		if !ok {
			// JSON-looking text such as "42" decodes to a number.
			s = raw
		}
		return TextPayload{HTML: kind == PayloadHTML, Text: s}, nil
	case PayloadTable:
		m, ok := value.(map[string]any)
		if !ok {
			return opaquePayload{kind: kind, raw: raw}, nil
		}
		t, err := tableFromWire(m)
		if err != nil {
			return opaquePayload{kind: kind, raw: raw}, nil
		}
		return t, nil
	case PayloadTree:
		list, ok := value.([]any)
		if !ok {
			return opaquePayload{kind: kind, raw: raw}, nil
		}
		t, err := treeFromWire(list)
		if err != nil {
			return opaquePayload{kind: kind, raw: raw}, nil
		}
		return t, nil
	default:
		name, _ := value.(string)
		return &FilePayload{Type: kind, Filename: name}, nil
	}
}
