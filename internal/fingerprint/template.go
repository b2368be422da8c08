// Package fingerprint decodes sensor packet streams into templates and
// scores templates against each other.
package fingerprint

import (
	"errors"
	"fmt"
)

// TemplateSize is the only template length the sensor firmware accepts on
// transfer.
const TemplateSize = 1668

var ErrSizeMismatch = errors.New("template size mismatch")

// Template is one enrolled fingerprint's feature data.
type Template []byte

// Validate reports ErrSizeMismatch unless t is exactly TemplateSize bytes.
func (t Template) Validate() error {
	if len(t) != TemplateSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(t), TemplateSize)
	}
	return nil
}
