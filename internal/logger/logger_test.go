package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "warn", "json")

	log.Info("dropped")
	log.WithField("checkout_id", "chk-1").Warn("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "chk-1", entry["checkout_id"])
}

func TestNewWithOutput_Text(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "not-a-level", "text")

	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	log.Info("hello")
	assert.Contains(t, buf.String(), `msg=hello`)
}
