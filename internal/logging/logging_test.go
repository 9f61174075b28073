package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModuleEntriesCarryModuleField(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(&buf, "info", "json")
	require.NoError(t, err)

	Module(logger, ModuleRollup).WithField("database", "db").Info("state computed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "rollup", line["module"])
	require.Equal(t, "db", line["database"])
	require.Equal(t, "state computed", line["msg"])
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(&buf, "WARN", "text")
	require.NoError(t, err)
	logger.Info("hidden")
	require.Zero(t, buf.Len())
}

func TestRejectsUnknownSettings(t *testing.T) {
	_, err := New("loud", "text")
	require.Error(t, err)
	_, err = New("info", "xml")
	require.Error(t, err)
}
