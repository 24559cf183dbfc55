// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package world

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Cursor is the decoded form of a listing continuation token: the sort key
// of the last entity returned.
type Cursor struct {
	CreatedAt time.Time `json:"c"`
	ID        ulid.ULID `json:"i"`
}

// CursorAfter returns the cursor positioned after e.
func CursorAfter(e *Entity) Cursor {
	return Cursor{CreatedAt: e.CreatedAt.UTC(), ID: e.ID}
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw, err := json.Marshal(c)
	if err != nil {
		// Cursor holds only a time and a ULID, both always marshalable.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Before reports whether e sorts strictly after the cursor position.
func (c Cursor) Before(e *Entity) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID.Compare(c.ID) > 0
	}
	return e.CreatedAt.After(c.CreatedAt)
}

// DecodeCursor parses a token produced by Cursor.Encode.
func DecodeCursor(token string) (Cursor, error) {
	var c Cursor
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, oops.Code(CodeInvalidCursor).Wrap(&ValidationError{Field: "cursor", Message: "malformed cursor"})
	}
	if err := json.Unmarshal(raw, &c); err != nil || c.ID.IsZero() {
		return c, oops.Code(CodeInvalidCursor).Wrap(&ValidationError{Field: "cursor", Message: "malformed cursor"})
	}
	return c, nil
}
