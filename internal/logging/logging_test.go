package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := Logger(&buf, true, slog.LevelInfo)

	ctx := AppendCtx(context.Background(), slog.String("cmd", "clamp"))
	ctx = AppendCtx(ctx, slog.Int("workers", 4))
	log.InfoContext(ctx, "rendering")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "rendering", rec["msg"])
	assert.Equal(t, "clamp", rec["cmd"])
	assert.EqualValues(t, 4, rec["workers"])
}

func TestAppendCtxDoesNotAlias(t *testing.T) {
	base := AppendCtx(context.Background(), slog.String("a", "1"))
	left := AppendCtx(base, slog.String("b", "2"))
	right := AppendCtx(base, slog.String("c", "3"))

	assert.Len(t, base.Value(slogFields), 1)
	assert.Equal(t, "b", left.Value(slogFields).([]slog.Attr)[1].Key)
	assert.Equal(t, "c", right.Value(slogFields).([]slog.Attr)[1].Key)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := Logger(&buf, false, slog.LevelWarn)
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cogops.log")
	w := RotatingFile(path, 1, 2)
	log := Logger(w, false, slog.LevelInfo)
	log.Info("written")
	require.NoError(t, w.Close())
	assert.FileExists(t, path)
}
