package protocol

import "strings"

// Delimiter separates the event key from its fields.
const Delimiter = '|'

// TextScanner is a read-only view over a text message such as
// "action|text=Hello|" or "action|log\nmsg|hi".
type TextScanner struct {
	raw    string
	key    string
	fields []string
}

// NewTextScanner parses s.
//
// Postcondition: Key is the prefix of s before the first '|', or all of s.
// Fields holds the non-empty segments after it, split on '|' and '\n'.
func NewTextScanner(s string) *TextScanner {
	ts := &TextScanner{raw: s}
	idx := strings.IndexByte(s, Delimiter)
	if idx < 0 {
		ts.key = s
		return ts
	}
	ts.key = s[:idx]
	rest := s[idx+1:]
	ts.fields = strings.FieldsFunc(rest, func(r rune) bool {
		return r == Delimiter || r == '\n'
	})
	return ts
}

// Raw returns the whole decoded message.
func (t *TextScanner) Raw() string { return t.raw }

// Key returns the event key.
func (t *TextScanner) Key() string { return t.key }

// Fields returns the auxiliary segments after the key. It is nil when the
// message has no delimiter.
func (t *TextScanner) Fields() []string { return t.fields }

// Get looks up name either as a "name=value" field or as a "name|value"
// line. A line may start with the delimiter ("|text|hello").
//
// Postcondition: Returns (value, true) for the first match, ("", false) otherwise.
func (t *TextScanner) Get(name string) (string, bool) {
	for _, f := range t.fields {
		if k, v, ok := strings.Cut(f, "="); ok && k == name {
			return v, true
		}
	}
	for _, line := range strings.Split(t.raw, "\n") {
		k, v, ok := cutLine(line)
		if ok && k == name {
			return v, true
		}
	}
	return "", false
}

// Values returns every key/value pair the message carries, fields first.
// Later duplicates do not override earlier ones.
func (t *TextScanner) Values() map[string]string {
	out := make(map[string]string)
	for _, f := range t.fields {
		if k, v, ok := strings.Cut(f, "="); ok {
			if _, dup := out[k]; !dup {
				out[k] = v
			}
		}
	}
	for _, line := range strings.Split(t.raw, "\n") {
		k, v, ok := cutLine(line)
		if !ok || k == "" {
			continue
		}
		if _, dup := out[k]; !dup {
			out[k] = v
		}
	}
	return out
}

// cutLine splits one "name|value" line. Clients prefix continuation lines
// with the delimiter, as in "action|input\n|text|hello", so one leading '|'
// is dropped first. The value ends at the next delimiter.
func cutLine(line string) (name, value string, ok bool) {
	line = strings.TrimPrefix(line, string(Delimiter))
	name, value, ok = strings.Cut(line, string(Delimiter))
	if !ok {
		return "", "", false
	}
	if i := strings.IndexByte(value, Delimiter); i >= 0 {
		value = value[:i]
	}
	return name, value, true
}
