// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULIDToStringPtr(t *testing.T) {
	assert.Nil(t, ulidToStringPtr(nil))

	id := ulid.Make()
	got := ulidToStringPtr(&id)
	require.NotNil(t, got)
	assert.Equal(t, id.String(), *got)
}

func TestParseOptionalULID(t *testing.T) {
	t.Run("null column", func(t *testing.T) {
		got, err := parseOptionalULID(nil, "parent_id")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("malformed value keeps the ulid error", func(t *testing.T) {
		bad := "not-a-ulid"
		_, err := parseOptionalULID(&bad, "parent_id")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad data size")
	})
}

func TestULIDArrays(t *testing.T) {
	ids := []ulid.ULID{ulid.Make(), ulid.Make()}
	parsed, err := parseULIDs(ulidStrings(ids), "path")
	require.NoError(t, err)
	assert.Equal(t, ids, parsed)

	assert.Equal(t, []string{}, ulidStrings(nil))

	_, err = parseULIDs([]string{"nope"}, "path")
	assert.Error(t, err)
}
