// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package errutil_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/worldtree/pkg/errutil"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogError_OopsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	err := oops.Code("DELETE_FAILED").
		With("entity_id", "01J0000000000000000000000A").
		Errorf("soft delete failed")

	errutil.LogError(logger, "delete operation run failed", err, "operation_id", "op-1")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "delete operation run failed", entry["msg"])
	assert.Equal(t, "DELETE_FAILED", entry["code"])
	assert.Equal(t, "op-1", entry["operation_id"])
	ctx, ok := entry["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "01J0000000000000000000000A", ctx["entity_id"])
}

func TestLogError_StandardError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogError(logger, "lease release failed", errors.New("connection reset"))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Contains(t, entry["error"], "connection reset")
	assert.NotContains(t, entry, "code")
}

type traceKey struct{}

// contextHandler copies a context value into every record.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		r.AddAttrs(slog.String("trace", v))
	}
	return h.Handler.Handle(ctx, r)
}

func TestLogErrorContext_PassesContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(contextHandler{slog.NewJSONHandler(&buf, nil)})
	ctx := context.WithValue(context.Background(), traceKey{}, "abc123")

	errutil.LogErrorContext(ctx, logger, "discovery failed", oops.Errorf("boom"))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "abc123", entry["trace"])
	assert.NotContains(t, entry, "code")
}
