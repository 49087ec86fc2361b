// Package mapper turns source payloads into normalized sink documents.
//
// A mapper is a pure function of its input: semantically identical payloads
// always produce byte-identical documents and therefore identical hashes.
// Normalization removes everything that is not content (field order,
// whitespace runs in single-line fields, volatile upstream metadata, timezone representation)
// before the canonical JSON body is hashed.
package mapper

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/breez/data-mirror/sink"
	"golang.org/x/text/unicode/norm"
)

// ErrMissingID is returned for payloads without an upstream identifier.
var ErrMissingID = errors.New("payload has no identifier")

// Mapper maps one source payload to a sink document whose ID is the source
// record ID.
type Mapper interface {
	Map(id string, payload any) (sink.Document, error)
}

func newDocument(id, kind, domain string, body Object) (sink.Document, error) {
	raw, err := MarshalCanonical(body)
	if err != nil {
		return sink.Document{}, fmt.Errorf("failed to marshal %s %v: %w", kind, id, err)
	}
	return sink.Document{
		ID:   id,
		Kind: kind,
		Body: raw,
		Hash: HashWithDomain(domain, raw),
	}, nil
}

// decodeRaw lets fixtures and replayed feeds pass raw JSON payloads.
func decodeRaw[T any](payload any) (*T, bool, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		return nil, false, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, true, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &v, true, nil
}

// clean NFC-normalizes s and collapses every whitespace run to one space.
func clean(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// cleanText normalizes multi-line free text. Line breaks are content: they
// are unified to LF and kept, only trailing blanks are dropped.
func cleanText(s string) string {
	s = strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(norm.NFC.String(s))
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

// put sets key only for non-empty values; canonical documents never carry
// empty strings, empty lists or empty objects.
func put(obj Object, key string, v any) {
	switch val := v.(type) {
	case string:
		if val == "" {
			return
		}
	case Array:
		if len(val) == 0 {
			return
		}
	case Object:
		if len(val) == 0 {
			return
		}
	case nil:
		return
	}
	obj[key] = v
}

// sortedObjects orders a list of objects by their canonical rendering so that
// upstream list order never changes the document.
func sortedObjects(items []Object) (Array, error) {
	type keyed struct {
		key string
		obj Object
	}
	ks := make([]keyed, 0, len(items))
	for _, item := range items {
		if len(item) == 0 {
			continue
		}
		raw, err := MarshalCanonical(item)
		if err != nil {
			return nil, fmt.Errorf("failed to order list item: %w", err)
		}
		ks = append(ks, keyed{key: string(raw), obj: item})
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i].key < ks[j].key })
	out := make(Array, 0, len(ks))
	for i, k := range ks {
		if i > 0 && ks[i-1].key == k.key {
			continue
		}
		out = append(out, k.obj)
	}
	return out, nil
}

// putSorted sets key to the ordered, deduplicated items.
func putSorted(obj Object, key string, items []Object) error {
	sorted, err := sortedObjects(items)
	if err != nil {
		return fmt.Errorf("%v: %w", key, err)
	}
	put(obj, key, sorted)
	return nil
}

func sortedStrings(items []string) Array {
	cleaned := make([]string, 0, len(items))
	for _, s := range items {
		if c := clean(s); c != "" {
			cleaned = append(cleaned, c)
		}
	}
	sort.Strings(cleaned)
	out := make(Array, 0, len(cleaned))
	for i, s := range cleaned {
		if i > 0 && cleaned[i-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}
