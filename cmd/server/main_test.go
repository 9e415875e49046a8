package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JRascall/MediaServer/pkg/config"
)

func TestLoadConfigFlags(t *testing.T) {
	cfg, err := loadConfig([]string{"-r", "1936", "-http_port", "8080", "-relay", "live=rtmp://upstream/live"})
	require.NoError(t, err)
	assert.Equal(t, 1936, cfg.RTMP.Port)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "rtmp://upstream/live", cfg.Relay["live"])
}

func TestLoadConfigEnvThenFlags(t *testing.T) {
	t.Setenv("MEDIASERVER_RTMP_PORT", "2935")
	t.Setenv("MEDIASERVER_HTTP_PORT", "9000")
	cfg, err := loadConfig([]string{"-h", "9001"})
	require.NoError(t, err)
	assert.Equal(t, 2935, cfg.RTMP.Port)
	assert.Equal(t, 9001, cfg.HTTP.Port)
}

func TestLoadConfigInvalid(t *testing.T) {
	_, err := loadConfig([]string{"-rtmp_port", "70000"})
	assert.Error(t, err)

	_, err = loadConfig([]string{"-relay", "broken"})
	assert.Error(t, err)
}

func TestSetupLogger(t *testing.T) {
	file := filepath.Join(t.TempDir(), "server.log")
	log, closeLog, err := setupLogger(config.LogConfig{Level: "debug", Format: "json", File: file})
	require.NoError(t, err)
	log.Info("hello")
	closeLog()
	assert.FileExists(t, file)

	_, _, err = setupLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
