package board

import (
	"encoding/json"
	"sort"

	"github.com/tidwall/sjson"
)

// ElementType is the discriminant carried by every Element's "type" field.
type ElementType string

const (
	ElementRectangle ElementType = "rectangle"
	ElementCircle    ElementType = "circle"
	ElementLine      ElementType = "line"
	ElementArrow     ElementType = "arrow"
	ElementPen       ElementType = "pen"
	ElementText      ElementType = "text"
	ElementNote      ElementType = "note"
)

// elementTypes is the complete set of recognized discriminant values.
var elementTypes = map[ElementType]bool{
	ElementRectangle: true,
	ElementCircle:    true,
	ElementLine:      true,
	ElementArrow:     true,
	ElementPen:       true,
	ElementText:      true,
	ElementNote:      true,
}

// Element is a drawing primitive. It is represented as a JSON object
// rather than a Go struct so that unknown keys on input round-trip to
// output unchanged; renderers are expected to tolerate fields this server
// doesn't know about.
type Element map[string]any

// Type returns the element's type discriminant, or "" if absent or not a string.
func (e Element) Type() ElementType {
	v, _ := e["type"].(string)
	return ElementType(v)
}

// ID returns the element's id, or "" if absent or not a string.
func (e Element) ID() string {
	v, _ := e["id"].(string)
	return v
}

// SetID sets the element's id field.
func (e Element) SetID(id string) {
	e["id"] = id
}

// Clone returns a shallow copy of the element, safe to mutate independently
// of the original (the original is not mutated by Session operations, but
// callers that hold a reference across a broadcast should not assume the
// map is theirs to keep).
func (e Element) Clone() Element {
	cp := make(Element, len(e))
	for k, v := range e {
		cp[k] = v
	}
	return cp
}

// MarshalJSON produces deterministic output: Go's encoding/json already
// sorts map[string]any keys, so encoding the same element twice yields
// identical bytes.
func (e Element) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(e))
}

func (e *Element) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*e = m
	return nil
}

// IsValidElementType reports whether t is one of the seven recognized
// discriminant values.
func IsValidElementType(t ElementType) bool {
	return elementTypes[t]
}

// SortedElementTypes returns the recognized type tags in a stable order,
// useful for error messages and the validator's test suite.
func SortedElementTypes() []string {
	out := make([]string, 0, len(elementTypes))
	for t := range elementTypes {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// MergeElement overlays patch onto a copy of original, preserving every
// field original carries that patch does not mention (including fields
// this server has never heard of). It goes through JSON rather than a
// plain map merge so nested values in patch fully replace — not deep-merge
// — the corresponding path, matching how a JSON PATCH-style partial update
// behaves on the wire.
func MergeElement(original Element, patch map[string]any) (Element, error) {
	base, err := json.Marshal(map[string]any(original))
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		base, err = sjson.SetBytes(base, k, v)
		if err != nil {
			return nil, err
		}
	}
	var merged Element
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	return merged, nil
}
