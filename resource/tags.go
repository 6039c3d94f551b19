package resource

import (
	"strings"
	"unicode"
)

// Token is one entry of a tag string: a bare key or key=value.
type Token struct {
	Key      string
	Value    string
	HasValue bool
}

// String renders the token, single-quoting values that contain whitespace
// or '='.
func (t Token) String() string {
	key := quoteTagPart(t.Key)
	if !t.HasValue {
		return key
	}
	return key + "=" + quoteTagPart(t.Value)
}

func quoteTagPart(s string) string {
	if strings.ContainsFunc(s, func(r rune) bool { return unicode.IsSpace(r) || r == '=' }) {
		return "'" + s + "'"
	}
	return s
}

// ParseTags splits a tag string into tokens. Quotes group characters and are
// removed, shell style.
func ParseTags(tags string) []Token {
	words := splitTagWords(tags)
	tokens := make([]Token, 0, len(words))
	for _, w := range words {
		tokens = append(tokens, parseTagWord(w))
	}
	return tokens
}

// FormatTags joins tokens with single spaces.
func FormatTags(tokens []Token) string {
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t.Key == "" {
			continue
		}
		parts = append(parts, t.String())
	}
	return strings.Join(parts, " ")
}

// AddTag removes any token for key and appends key=value. An empty value
// appends a bare key.
func AddTag(tags, key, value string) string {
	tokens := removeTagTokens(ParseTags(tags), key)
	tokens = append(tokens, Token{Key: key, Value: value, HasValue: value != ""})
	return FormatTags(tokens)
}

// RemoveTag drops every token for key.
func RemoveTag(tags, key string) string {
	return FormatTags(removeTagTokens(ParseTags(tags), key))
}

// TagValue returns the value of the last token for key.
func TagValue(tags, key string) (string, bool) {
	tokens := ParseTags(tags)
	for i := len(tokens) - 1; i >= 0; i-- {
		if tokens[i].Key == key {
			return tokens[i].Value, true
		}
	}
	return "", false
}

func removeTagTokens(tokens []Token, key string) []Token {
	out := tokens[:0]
	for _, t := range tokens {
		if t.Key != key {
			out = append(out, t)
		}
	}
	return out
}

type wordPart struct {
	text   string
	quoted bool
}

// splitTagWords keeps per-word quoting so an '=' inside quotes is not taken
// as the key/value separator.
func splitTagWords(s string) [][]wordPart {
	var (
		words   [][]wordPart
		current []wordPart
		buf     strings.Builder
		quote   rune
		inWord  bool
	)
	flushPart := func(quoted bool) {
		if buf.Len() > 0 || quoted {
			current = append(current, wordPart{text: buf.String(), quoted: quoted})
		}
		buf.Reset()
	}
	flushWord := func() {
		flushPart(false)
		if inWord {
			words = append(words, current)
		}
		current = nil
		inWord = false
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				flushPart(true)
				quote = 0
				continue
			}
			buf.WriteRune(r)
		case r == '\'' || r == '"':
			flushPart(false)
			quote = r
			inWord = true
		case unicode.IsSpace(r):
			flushWord()
		default:
			buf.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		// Unterminated quote: keep the text as written.
		flushPart(true)
	}
	flushWord()
	return words
}

func parseTagWord(parts []wordPart) Token {
	var key, value strings.Builder
	seenEq := false
	for _, p := range parts {
		if seenEq || p.quoted {
			if seenEq {
				value.WriteString(p.text)
			} else {
				key.WriteString(p.text)
			}
			continue
		}
		if idx := strings.IndexByte(p.text, '='); idx >= 0 {
			key.WriteString(p.text[:idx])
			value.WriteString(p.text[idx+1:])
			seenEq = true
			continue
		}
		key.WriteString(p.text)
	}
	return Token{Key: key.String(), Value: value.String(), HasValue: seenEq}
}
