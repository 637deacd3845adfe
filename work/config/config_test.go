package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 85, cfg.FuzzyThreshold)
	assert.Equal(t, 3, cfg.Health.FailureThreshold)
	assert.Equal(t, 50, cfg.Health.MaxConcurrent)
	assert.Equal(t, 24*time.Hour, cfg.Health.Interval)
	assert.Equal(t, 10*time.Second, cfg.Stream.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Stream.ReadTimeout)
	assert.Equal(t, 8192, cfg.Stream.ChunkSize)
	assert.Equal(t, 100, cfg.Stream.QueueSize)
}

func TestParseFillsMissingFields(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"fuzzyThreshold": 90,
		"health": {"interval": "1h", "failureThreshold": 5},
		"stream": {"idleGrace": "5m"},
		"sources": [
			{"url": "http://a.example/list.m3u"},
			{"name": "xc", "url": "http://b.example", "username": "u", "password": "p"}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, 90, cfg.FuzzyThreshold)
	assert.Equal(t, time.Hour, cfg.Health.Interval)
	assert.Equal(t, 5, cfg.Health.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Stream.IdleGrace)
	assert.Equal(t, 30*time.Second, cfg.Stream.ReapInterval)

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "Source_1", cfg.Sources[0].Name)
	assert.Equal(t, "m3u", cfg.Sources[0].Kind)
	assert.Equal(t, "xtream", cfg.Sources[1].Kind)
	assert.NotNil(t, cfg.GetSourceByName("xc"))
	assert.Nil(t, cfg.GetSourceByName("missing"))
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte(`{"stream": {"readTimeout": "soon"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream.readTimeout")
}

func TestThresholdOutOfRangeFallsBack(t *testing.T) {
	cfg, err := Parse([]byte(`{"fuzzyThreshold": 150}`))
	require.NoError(t, err)
	assert.Equal(t, 85, cfg.FuzzyThreshold)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listenPort": 9090}`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.ListenPort)

	_, err = LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestStreamPlaylistAndBandwidth(t *testing.T) {
	cfg, err := Parse([]byte(`{"stream": {"playlistPoll": "500ms", "sessionLimitMbps": 4.5, "globalLimitMbps": -2}}`))
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Stream.PlaylistPoll)
	assert.InDelta(t, 4.5, cfg.Stream.SessionLimitMbps, 1e-9)
	assert.Zero(t, cfg.Stream.GlobalLimitMbps)

	def := Default()
	assert.Equal(t, 2*time.Second, def.Stream.PlaylistPoll)
	assert.Zero(t, def.Stream.SessionLimitMbps)
}
