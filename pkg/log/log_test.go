package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init("info", true, &buf)
	Logger.Info().Str("k", "v").Msg("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "v", line["k"])
}

func TestInit_LevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	Init("warn", true, &buf)
	Logger.Debug().Msg("hidden")
	Logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestInit_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init("shouty", true, &buf)
	Logger.Info().Msg("still here")

	assert.Contains(t, buf.String(), "still here")
}

func TestInit_ConsoleOutputIsNotJSON(t *testing.T) {
	var buf bytes.Buffer
	Init("info", false, &buf)
	Logger.Info().Msg("console line")

	assert.Contains(t, buf.String(), "console line")
	var line map[string]interface{}
	assert.Error(t, json.Unmarshal(buf.Bytes(), &line))
}

func TestForNode_CarriesCampaignCoordinates(t *testing.T) {
	var buf bytes.Buffer
	Init("info", true, &buf)
	nodeLogger := ForNode(ForSeed(ForComponent("scheduler"), 42), "c1", "3.2.0")
	nodeLogger.Info().Msg("classified")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "scheduler", line["component"])
	assert.Equal(t, float64(42), line["seed"])
	assert.Equal(t, "c1", line["container_id"])
	assert.Equal(t, "3.2.0", line["number"])
}
