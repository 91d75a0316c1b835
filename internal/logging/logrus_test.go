package logging

import (
	"bytes"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestGetLogger(t *testing.T) {
	log := NewLogrus("debug", os.Stdout)
	logger := log.Get("Testing")

	assert.Equal(t, os.Stdout, logger.Logger.Out)
	assert.Equal(t, logrus.DebugLevel, logger.Logger.GetLevel())
	assert.Equal(t, "Testing", logger.Data["Context"])
}

func TestGetLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogrus("chatty", &buf).Get("Pipeline")

	logger.Debug("hidden")
	logger.Info("visible")

	assert.Equal(t, logrus.InfoLevel, logger.Logger.GetLevel())
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "Context=Pipeline")
}
