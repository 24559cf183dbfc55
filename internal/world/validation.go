// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package world

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/samber/oops"
)

// Validation limits for entity payloads.
const (
	MaxNameLength        = 200
	MaxDescriptionLength = 10000
	MaxTagCount          = 50
	MaxTagLength         = 64
	MaxPropertiesBytes   = 64 * 1024
)

// ValidationError represents an input validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validator checks create/update payloads field by field.
type Validator interface {
	ValidateEntity(e *Entity) error
}

// VersionChecker decides whether a properties schema version is acceptable.
type VersionChecker interface {
	CheckSchemaVersion(t EntityType, version int) error
}

// DefaultValidator applies the built-in field rules.
type DefaultValidator struct{}

// ValidateEntity implements Validator.
func (DefaultValidator) ValidateEntity(e *Entity) error {
	if !e.Type.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown entity type %q", e.Type)}
	}
	if err := ValidateName(e.Name); err != nil {
		return err
	}
	if err := ValidateDescription(e.Description); err != nil {
		return err
	}
	if err := ValidateTags(e.Tags); err != nil {
		return err
	}
	return ValidateProperties(e.Properties)
}

// SupportedVersions accepts schema versions from 1 up to Max.
type SupportedVersions struct {
	Max int
}

// CheckSchemaVersion implements VersionChecker.
func (v SupportedVersions) CheckSchemaVersion(t EntityType, version int) error {
	if version < 1 || version > v.Max {
		return oops.Code(CodeSchemaVersion).
			With("type", t.String()).
			With("schema_version", version).
			With("max_supported", v.Max).
			Wrap(&ValidationError{Field: "schema_version", Message: fmt.Sprintf("unsupported schema version %d", version)})
	}
	return nil
}

// ValidateName checks that a name is valid.
// Names must be non-empty, valid UTF-8, no control characters, and within length limit.
func ValidateName(name string) error {
	if name == "" {
		return &ValidationError{Field: "name", Message: "cannot be empty"}
	}
	if !utf8.ValidString(name) {
		return &ValidationError{Field: "name", Message: "must be valid UTF-8"}
	}
	if len(name) > MaxNameLength {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("exceeds maximum length of %d", MaxNameLength)}
	}
	if hasControlChars(name) {
		return &ValidationError{Field: "name", Message: "cannot contain control characters"}
	}
	return nil
}

// ValidateDescription checks that a description is valid.
// Descriptions may be empty, must be valid UTF-8, no control characters (except newline/tab), and within length limit.
func ValidateDescription(desc string) error {
	if desc == "" {
		return nil
	}
	if !utf8.ValidString(desc) {
		return &ValidationError{Field: "description", Message: "must be valid UTF-8"}
	}
	if len(desc) > MaxDescriptionLength {
		return &ValidationError{Field: "description", Message: fmt.Sprintf("exceeds maximum length of %d", MaxDescriptionLength)}
	}
	if hasControlCharsExceptWhitespace(desc) {
		return &ValidationError{Field: "description", Message: "cannot contain control characters (except newline/tab)"}
	}
	return nil
}

// ValidateTags checks that tags are valid.
// Each tag must be non-empty, valid UTF-8, free of whitespace and control
// characters, and within length limit. Total number of tags must be within limit.
func ValidateTags(tags []string) error {
	if len(tags) > MaxTagCount {
		return &ValidationError{Field: "tags", Message: fmt.Sprintf("exceeds maximum count of %d", MaxTagCount)}
	}
	for i, tag := range tags {
		if tag == "" {
			return &ValidationError{Field: "tags", Message: fmt.Sprintf("tag %d cannot be empty", i)}
		}
		if !utf8.ValidString(tag) {
			return &ValidationError{Field: "tags", Message: fmt.Sprintf("tag %d must be valid UTF-8", i)}
		}
		if len(tag) > MaxTagLength {
			return &ValidationError{Field: "tags", Message: fmt.Sprintf("tag %d exceeds maximum length of %d", i, MaxTagLength)}
		}
		for _, r := range tag {
			if unicode.IsControl(r) || unicode.IsSpace(r) {
				return &ValidationError{Field: "tags", Message: fmt.Sprintf("tag %d cannot contain whitespace or control characters", i)}
			}
		}
	}
	return nil
}

// ValidateProperties checks that the properties blob, when present, is a JSON
// object within the size limit.
func ValidateProperties(props json.RawMessage) error {
	if len(props) == 0 {
		return nil
	}
	if len(props) > MaxPropertiesBytes {
		return &ValidationError{Field: "properties", Message: fmt.Sprintf("exceeds maximum size of %d bytes", MaxPropertiesBytes)}
	}
	if !json.Valid(props) {
		return &ValidationError{Field: "properties", Message: "must be valid JSON"}
	}
	if trimmed := bytes.TrimSpace(props); len(trimmed) == 0 || trimmed[0] != '{' {
		return &ValidationError{Field: "properties", Message: "must be a JSON object"}
	}
	return nil
}

// hasControlChars returns true if the string contains control characters.
func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// hasControlCharsExceptWhitespace returns true if the string contains control characters
// other than newline, carriage return, and tab.
func hasControlCharsExceptWhitespace(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}
