// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package world

import (
	"fmt"
	"strings"
)

// EntityType identifies the kind of a world entity.
type EntityType string

// Entity types.
const (
	EntityTypeCharacter    EntityType = "character"
	EntityTypeLocation     EntityType = "location"
	EntityTypeFaction      EntityType = "faction"
	EntityTypeItem         EntityType = "item"
	EntityTypeEvent        EntityType = "event"
	EntityTypeLore         EntityType = "lore"
	EntityTypeOrganization EntityType = "organization"
	EntityTypeSpecies      EntityType = "species"
	EntityTypeNote         EntityType = "note"
)

// EntityTypeInfo describes one entity type.
type EntityTypeInfo struct {
	Type   EntityType
	Label  string
	Plural string
	// Container marks types that typically hold other entities.
	// It is presentation metadata only; any type may have children.
	Container bool
}

// entityTypes is the canonical ordered list. The lookup map below is derived
// from it at init and never mutated afterwards.
var entityTypes = []EntityTypeInfo{
	{Type: EntityTypeCharacter, Label: "Character", Plural: "Characters"},
	{Type: EntityTypeLocation, Label: "Location", Plural: "Locations", Container: true},
	{Type: EntityTypeFaction, Label: "Faction", Plural: "Factions", Container: true},
	{Type: EntityTypeItem, Label: "Item", Plural: "Items"},
	{Type: EntityTypeEvent, Label: "Event", Plural: "Events"},
	{Type: EntityTypeLore, Label: "Lore", Plural: "Lore", Container: true},
	{Type: EntityTypeOrganization, Label: "Organization", Plural: "Organizations", Container: true},
	{Type: EntityTypeSpecies, Label: "Species", Plural: "Species"},
	{Type: EntityTypeNote, Label: "Note", Plural: "Notes"},
}

var entityTypesByName = func() map[EntityType]EntityTypeInfo {
	m := make(map[EntityType]EntityTypeInfo, len(entityTypes))
	for _, info := range entityTypes {
		m[info.Type] = info
	}
	return m
}()

// String returns the string representation of the entity type.
func (t EntityType) String() string {
	return string(t)
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	_, ok := entityTypesByName[t]
	return ok
}

// Info returns the metadata for t.
func (t EntityType) Info() (EntityTypeInfo, bool) {
	info, ok := entityTypesByName[t]
	return info, ok
}

// EntityTypes returns all known entity types in canonical order.
func EntityTypes() []EntityTypeInfo {
	out := make([]EntityTypeInfo, len(entityTypes))
	copy(out, entityTypes)
	return out
}

// ParseEntityType converts s (case-insensitive) to an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &ValidationError{Field: "type", Message: fmt.Sprintf("unknown entity type %q", s)}
	}
	return t, nil
}
