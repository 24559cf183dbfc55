// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package seed

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/worldtree/internal/world"
	"github.com/holomush/worldtree/internal/world/memory"
	"github.com/holomush/worldtree/pkg/errutil"
)

const outlineYAML = `
world:
  id: 01HZN3XS000000000000000000
  name: Aerth
  owner: user-1
entities:
  - name: Northern Reach
    type: location
    tags: [cold, wild]
    properties:
      climate: arctic
      population: 1200
    children:
      - name: Prancing Pony
        type: location
        children:
          - name: Pewter Mug
            type: item
      - name: Market Square
        type: location
  - name: The Old Pact
    type: lore
`

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, SchemaID, doc["$id"])
	assert.Contains(t, string(data), `"location"`)
	assert.Contains(t, string(data), `"children"`)
}

func TestParse_Valid(t *testing.T) {
	o, err := Parse([]byte(outlineYAML))
	require.NoError(t, err)

	assert.Equal(t, "Aerth", o.World.Name)
	require.Len(t, o.Entities, 2)
	assert.Equal(t, []string{"cold", "wild"}, o.Entities[0].Tags)
	assert.Equal(t, "arctic", o.Entities[0].Properties["climate"])
	require.Len(t, o.Entities[0].Children, 2)
	assert.Equal(t, "Pewter Mug", o.Entities[0].Children[0].Children[0].Name)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not yaml", "world: [unclosed"},
		{"missing world", "entities: []"},
		{"missing owner", "world: {name: Aerth}"},
		{"unknown type", "world: {name: A, owner: u}\nentities: [{name: X, type: spaceship}]"},
		{"empty name", "world: {name: A, owner: u}\nentities: [{name: '', type: item}]"},
		{"bad world id", "world: {id: nope, name: A, owner: u}"},
		{"unknown field", "world: {name: A, owner: u}\nentities: [{name: X, type: item, colour: red}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "SEED_INVALID")
		})
	}
}

func newImporter(store *memory.Store) *Importer {
	return &Importer{
		Worlds: store.Worlds(),
		Service: world.NewService(world.ServiceConfig{
			EntityRepo: store.Entities(),
			Owners:     world.RepositoryOwnerResolver{Worlds: store.Worlds()},
			Transactor: store,
		}),
	}
}

func TestImporter_Apply(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	im := newImporter(store)
	o, err := Parse([]byte(outlineYAML))
	require.NoError(t, err)

	res, err := im.Apply(ctx, o)
	require.NoError(t, err)
	assert.True(t, res.WorldCreated)
	assert.Equal(t, 5, res.Created)
	assert.Zero(t, res.Skipped)
	assert.Equal(t, "01HZN3XS000000000000000000", res.WorldID.String())

	roots, err := im.Service.ListEntities(ctx, "user-1", world.ListRequest{WorldID: res.WorldID, Parent: world.Roots()})
	require.NoError(t, err)
	require.Len(t, roots.Entities, 2)
	reach := roots.Entities[0]
	assert.Equal(t, "Northern Reach", reach.Name)
	assert.True(t, reach.HasChildren)
	assert.JSONEq(t, `{"climate":"arctic","population":1200}`, string(reach.Properties))

	children, err := im.Service.GetChildren(ctx, "user-1", res.WorldID, reach.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, world.EntityTypeLocation, children[0].Type)
	assert.Equal(t, 1, children[0].Depth)

	issues, err := im.Service.VerifyHierarchy(ctx, "user-1", res.WorldID)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestImporter_ApplyTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	im := newImporter(store)
	o, err := Parse([]byte(outlineYAML))
	require.NoError(t, err)

	_, err = im.Apply(ctx, o)
	require.NoError(t, err)

	o.Entities[0].Children = append(o.Entities[0].Children, EntitySpec{Name: "Watchtower", Type: "location"})
	res, err := im.Apply(ctx, o)
	require.NoError(t, err)
	assert.False(t, res.WorldCreated)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 5, res.Skipped)
}

func TestImporter_OwnerMismatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	im := newImporter(store)
	o, err := Parse([]byte(outlineYAML))
	require.NoError(t, err)
	_, err = im.Apply(ctx, o)
	require.NoError(t, err)

	o.World.Owner = "user-2"
	_, err = im.Apply(ctx, o)
	require.Error(t, err)
	assert.ErrorIs(t, err, world.ErrUnauthorized)
	errutil.AssertErrorCode(t, err, "SEED_OWNER_MISMATCH")
}

func TestImporter_WorldWithoutID(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	im := newImporter(store)

	res, err := im.Apply(ctx, &Outline{World: WorldSpec{Name: "Scratch", Owner: "user-9"}})
	require.NoError(t, err)
	assert.True(t, res.WorldCreated)
	assert.Zero(t, res.Created)

	w, err := store.Worlds().Get(ctx, res.WorldID)
	require.NoError(t, err)
	assert.Equal(t, "user-9", w.OwnerID)
}
