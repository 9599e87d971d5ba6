package commands

import (
	"encoding/json"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleSettings() map[string]interface{} {
	return map[string]interface{}{
		"scheduler": map[string]interface{}{"tick_interval_seconds": 60},
		"providers": map[string]interface{}{
			"anthropic":  map[string]interface{}{"kind": "anthropic", "api_key": "sk-ant-secret"},
			"openrouter": map[string]interface{}{"kind": "openai", "api_key": ""},
		},
	}
}

func TestRedactSettings(t *testing.T) {
	settings := redactSettings(sampleSettings())

	providers := settings["providers"].(map[string]interface{})
	assert.Equal(t, "<redacted>", providers["anthropic"].(map[string]interface{})["api_key"])
	assert.Equal(t, "", providers["openrouter"].(map[string]interface{})["api_key"])
}

func TestEncodeSettings(t *testing.T) {
	settings := redactSettings(sampleSettings())

	t.Run("toml", func(t *testing.T) {
		data, err := encodeSettings(settings, "toml")
		require.NoError(t, err)
		assert.NotContains(t, string(data), "sk-ant-secret")

		var back map[string]interface{}
		require.NoError(t, toml.Unmarshal(data, &back))
		assert.Contains(t, back, "scheduler")
	})

	t.Run("json", func(t *testing.T) {
		data, err := encodeSettings(settings, "json")
		require.NoError(t, err)

		var back map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, float64(60), back["scheduler"].(map[string]interface{})["tick_interval_seconds"])
	})

	t.Run("yaml", func(t *testing.T) {
		data, err := encodeSettings(settings, "yaml")
		require.NoError(t, err)

		var back map[string]interface{}
		require.NoError(t, yaml.Unmarshal(data, &back))
		assert.Contains(t, back, "providers")
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := encodeSettings(settings, "ini")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported format: ini")
	})
}
