package ot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Element is an open or close marker in the linear document. Close markers
// carry a type prefixed with "/".
type Element struct {
	Type       string         `json:"type" cbor:"type"`
	Attributes map[string]any `json:"attributes,omitempty" cbor:"attributes,omitempty"`
}

// IsClose reports whether the element closes a node.
func (e *Element) IsClose() bool {
	return strings.HasPrefix(e.Type, "/")
}

// Item is one position of the linear document: either a character or an
// element marker.
type Item struct {
	Char        string   `cbor:"c,omitempty"`
	Annotations []string `cbor:"a,omitempty"` // hashes into a Store
	Element     *Element `cbor:"e,omitempty"`
}

// Char returns a plain character item.
func Char(c string) Item {
	return Item{Char: c}
}

// AnnotatedChar returns a character carrying annotation hashes.
func AnnotatedChar(c string, hashes ...string) Item {
	return Item{Char: c, Annotations: append([]string(nil), hashes...)}
}

// Open returns an element open marker.
func Open(typ string) Item {
	return Item{Element: &Element{Type: typ}}
}

// Close returns an element close marker.
func Close(typ string) Item {
	return Item{Element: &Element{Type: "/" + typ}}
}

// Chars splits s into one item per rune.
func Chars(s string) []Item {
	items := make([]Item, 0, len(s))
	for _, r := range s {
		items = append(items, Char(string(r)))
	}
	return items
}

// IsElement reports whether the item is an element marker.
func (it Item) IsElement() bool {
	return it.Element != nil
}

// Text returns the character of a text item, or "" for elements.
func (it Item) Text() string {
	if it.Element != nil {
		return ""
	}
	return it.Char
}

// Equal compares two items.
func (it Item) Equal(other Item) bool {
	if it.Char != other.Char || len(it.Annotations) != len(other.Annotations) {
		return false
	}
	for i := range it.Annotations {
		if it.Annotations[i] != other.Annotations[i] {
			return false
		}
	}
	if (it.Element == nil) != (other.Element == nil) {
		return false
	}
	if it.Element == nil {
		return true
	}
	return it.Element.Type == other.Element.Type &&
		reflect.DeepEqual(it.Element.Attributes, other.Element.Attributes)
}

func (it Item) normalized() Item {
	if len(it.Annotations) == 0 {
		it.Annotations = nil
	}
	if it.Element != nil && len(it.Element.Attributes) == 0 && it.Element.Attributes != nil {
		it.Element = &Element{Type: it.Element.Type}
	}
	return it
}

// MarshalJSON writes "a", ["a", [hashes]] or an element object.
func (it Item) MarshalJSON() ([]byte, error) {
	switch {
	case it.Element != nil:
		return json.Marshal(it.Element)
	case len(it.Annotations) > 0:
		return json.Marshal([]any{it.Char, it.Annotations})
	default:
		return json.Marshal(it.Char)
	}
}

func (it *Item) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty item")
	}
	switch data[0] {
	case '"':
		var c string
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		*it = Char(c)
	case '[':
		var pair []json.RawMessage
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("annotated item needs 2 members, got %d", len(pair))
		}
		var c string
		var hashes []string
		if err := json.Unmarshal(pair[0], &c); err != nil {
			return err
		}
		if err := json.Unmarshal(pair[1], &hashes); err != nil {
			return err
		}
		*it = AnnotatedChar(c, hashes...)
	case '{':
		var e Element
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		if e.Type == "" {
			return fmt.Errorf("element item without type")
		}
		*it = Item{Element: &e}
	default:
		return fmt.Errorf("unexpected item %s", data)
	}
	*it = it.normalized()
	return nil
}

func itemsText(items []Item) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString(it.Text())
	}
	return b.String()
}

func itemsEqual(a, b []Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func cloneItems(items []Item) []Item {
	if len(items) == 0 {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it.normalized()
	}
	return out
}
