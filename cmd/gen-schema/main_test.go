// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/worldtree/internal/seed"
)

func TestWrite_CreatesSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "seed.schema.json")

	require.NoError(t, write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, seed.SchemaID, doc["$id"])
}
