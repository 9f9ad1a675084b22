package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithField("user_id", "u1").WithError(errors.New("boom")).Error("push failed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "push failed", entry["msg"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WarnLevel, &buf)

	logger.Debug("invisible")
	logger.Info("also invisible")
	assert.Zero(t, buf.Len())

	logger.Warn("visible")
	assert.NotZero(t, buf.Len())
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = WithRunID(ctx, "run-1")
	ctx = WithUserID(ctx, "u1")

	FromContext(ctx).Info("reconciling")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "run-1", entry["run_id"])
	assert.Equal(t, "u1", entry["user_id"])
}

func TestWithError_Nil(t *testing.T) {
	logger := NewLogger(InfoLevel, nil)
	assert.Same(t, logger, logger.WithError(nil))
}
