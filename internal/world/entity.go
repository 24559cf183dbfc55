// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package world contains the world entity model, its hierarchy rules and the
// authorized entity store service.
package world

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// CurrentSchemaVersion is the properties schema version written by this build.
const CurrentSchemaVersion = 1

// TokenPrecision is the resolution of stored timestamps. Concurrency tokens
// are derived from UpdatedAt, so every timestamp is truncated to it before it
// is persisted or compared.
const TokenPrecision = time.Microsecond

// Entity is a node in a world's content tree.
type Entity struct {
	ID       ulid.ULID
	WorldID  ulid.ULID
	ParentID *ulid.ULID // nil for roots

	Type        EntityType
	Name        string
	Description string
	Tags        []string
	Properties  json.RawMessage

	// Path holds the ancestor IDs from the root down to the parent.
	Path        []ulid.ULID
	Depth       int
	HasChildren bool

	OwnerID       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	IsDeleted     bool
	DeletedAt     *time.Time
	DeletedBy     string
	SchemaVersion int
}

// IsRoot reports whether the entity has no parent.
func (e *Entity) IsRoot() bool {
	return e.ParentID == nil
}

// ETag returns the optimistic-concurrency token of the entity's current state.
func (e *Entity) ETag() string {
	return FormatToken(e.UpdatedAt)
}

// HasTag reports whether the entity carries tag.
func (e *Entity) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

// HasAllTags reports whether the entity carries every tag in tags.
func (e *Entity) HasAllTags(tags []string) bool {
	for _, t := range tags {
		if !e.HasTag(t) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	c := *e
	if e.ParentID != nil {
		p := *e.ParentID
		c.ParentID = &p
	}
	if e.DeletedAt != nil {
		d := *e.DeletedAt
		c.DeletedAt = &d
	}
	c.Tags = slices.Clone(e.Tags)
	c.Path = slices.Clone(e.Path)
	if e.Properties != nil {
		c.Properties = slices.Clone(e.Properties)
	}
	return &c
}

// FormatToken renders a timestamp as a concurrency token.
func FormatToken(t time.Time) string {
	return t.UTC().Truncate(TokenPrecision).Format(time.RFC3339Nano)
}

// NextTimestamp returns the timestamp a mutation should record, given the
// previous value: now truncated to TokenPrecision, but always strictly after prev.
func NextTimestamp(now, prev time.Time) time.Time {
	next := now.UTC().Truncate(TokenPrecision)
	if !next.After(prev) {
		next = prev.UTC().Truncate(TokenPrecision).Add(TokenPrecision)
	}
	return next
}

// NormalizeTags deduplicates and sorts tags, dropping empty strings.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
