package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/modelinspect/internal/config"
)

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := NewWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	log.Debug("hidden")
	log.WithField("artifact", "model.safetensors").Info("inspected")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "inspected")
	assert.Contains(t, out, "artifact=model.safetensors")
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := NewWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("verdict", "PASS").Debug("done")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "done", entry["msg"])
	assert.Equal(t, "PASS", entry["verdict"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNewWarningLevel(t *testing.T) {
	log, _, err := NewWithWriter(config.LoggingConfig{Level: "WARNING"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())
}

func TestNewInvalidLevel(t *testing.T) {
	_, _, err := NewWithWriter(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelinspect.log")
	var console bytes.Buffer

	log, closer, err := NewWithWriter(config.LoggingConfig{Level: "info", File: path}, &console)
	require.NoError(t, err)
	log.Info("to both")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, console.String(), "to both")
}

func TestNewFileError(t *testing.T) {
	_, closer, err := NewWithWriter(config.LoggingConfig{Level: "info", File: t.TempDir()}, &bytes.Buffer{})
	assert.Error(t, err)
	assert.NoError(t, closer.Close())
}
