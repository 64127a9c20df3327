// Package validate enforces the element type discriminant at the input
// boundary and nothing else. Other fields are intentionally left
// unchecked: downstream renderers tolerate missing optional fields (color
// defaults black, strokeWidth defaults 2).
package validate

import (
	"fmt"

	"github.com/kanvas/boardserver/board"
)

// Element validates that el carries a recognized "type" discriminant.
func Element(el board.Element) error {
	t := el.Type()
	if t == "" {
		return fmt.Errorf("%w: missing \"type\" field", board.ErrValidation)
	}
	if !board.IsValidElementType(t) {
		return fmt.Errorf("%w: unrecognized type %q (expected one of %v)",
			board.ErrValidation, t, board.SortedElementTypes())
	}
	return nil
}

// Batch validates every element in order. The first invalid element
// short-circuits with its validation error and the index it occurred at,
// so no element from an invalid batch is ever committed or broadcast.
func Batch(elements []board.Element) error {
	for i, el := range elements {
		if err := Element(el); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}
