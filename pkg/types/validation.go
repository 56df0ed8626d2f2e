package types

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// MaxTagLength is the longest tag a device may carry.
const MaxTagLength = 255

// FieldError describes one invalid field of a record.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError is returned by writes that fail structural validation.
// It lists every failing field, not just the first.
type ValidationError struct {
	Fields []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Reason
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Validate checks the device record before it is written.
func (d *Device) Validate() error {
	verr := &ValidationError{}
	if d.Identifier == "" {
		verr.add("identifier", "is required")
	}
	if d.OrgID == "" {
		verr.add("org_id", "is required")
	}
	if d.ProductID == "" {
		verr.add("product_id", "is required")
	}
	for i, tag := range d.Tags {
		field := fmt.Sprintf("tags[%d]", i)
		switch {
		case strings.TrimSpace(tag) == "":
			verr.add(field, "must not be blank")
		case len(tag) > MaxTagLength:
			verr.add(field, fmt.Sprintf("must be at most %d characters", MaxTagLength))
		}
	}
	if d.Firmware != nil {
		if err := d.Firmware.Validate(); err != nil {
			for _, f := range err.(*ValidationError).Fields {
				verr.add("firmware_metadata."+f.Field, f.Reason)
			}
		}
	}
	return verr.orNil()
}

// Validate checks a firmware metadata report.
func (m *FirmwareMetadata) Validate() error {
	verr := &ValidationError{}
	if m.UUID == "" {
		verr.add("uuid", "is required")
	}
	if m.Version == "" {
		verr.add("version", "is required")
	} else if _, err := semver.StrictNewVersion(m.Version); err != nil {
		verr.add("version", "must be a semantic version")
	}
	if m.Platform == "" {
		verr.add("platform", "is required")
	}
	if m.Architecture == "" {
		verr.add("architecture", "is required")
	}
	if m.Product == "" {
		verr.add("product", "is required")
	}
	return verr.orNil()
}
