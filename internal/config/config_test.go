// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "browsegraph", cfg.Logger.ServiceName)
	assert.Equal(t, 100, cfg.Agent.MaxSteps)
	assert.Equal(t, 30*time.Second, cfg.Agent.StepTimeout)
	assert.Equal(t, 3, cfg.Agent.MaxFailures)
	assert.False(t, cfg.Agent.FinalResponseAfterFailure)
	assert.True(t, cfg.Agent.Telemetry.Enabled)
	assert.Equal(t, 3*time.Second, cfg.Agent.Telemetry.StopTimeout)
	assert.True(t, cfg.Browser.Headless)
	assert.False(t, cfg.Browser.Persona.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Browser.NavigationTimeout)
	assert.Equal(t, ProviderGemini, cfg.LLM.Provider)
	assert.Equal(t, "memory", cfg.Store.Type)

	assert.NoError(t, cfg.Validate(), "defaults must always validate")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Agent Validation", func(t *testing.T) {
		valid := NewDefaultConfig().Agent
		assert.NoError(t, valid.Validate())

		noSteps := valid
		noSteps.MaxSteps = 0
		err := noSteps.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "max_steps must be a positive integer")

		noTimeout := valid
		noTimeout.StepTimeout = 0
		err = noTimeout.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "step_timeout must be a positive duration")

		negativeFailures := valid
		negativeFailures.MaxFailures = -1
		assert.Error(t, negativeFailures.Validate())

		missingArtifactPath := valid
		missingArtifactPath.GenerateArtifact = true
		missingArtifactPath.ArtifactPath = ""
		err = missingArtifactPath.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "artifact_path is required")
	})

	t.Run("Store Validation", func(t *testing.T) {
		assert.NoError(t, (&StoreConfig{Type: "memory"}).Validate())
		assert.NoError(t, (&StoreConfig{Type: "postgres", URL: "postgres://u:p@localhost/db"}).Validate())

		err := (&StoreConfig{Type: "postgres"}).Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "url is required")

		err = (&StoreConfig{Type: "redis"}).Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown store type")
	})

	t.Run("Top-level wraps section errors", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Agent.MaxSteps = -5
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent configuration invalid")

		cfg = NewDefaultConfig()
		cfg.LLM.MaxRetries = -1
		assert.Error(t, cfg.Validate())
	})
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("YAML overrides defaults", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		yaml := []byte(`
agent:
  max_steps: 12
  step_timeout: 45s
  max_failures: 5
  final_response_after_failure: true
browser:
  headless: false
  persona:
    enabled: true
    timezone: Europe/Paris
    languages: [fr-FR, fr]
llm:
  model: gemini-2.5-pro
`)
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yaml)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 12, cfg.Agent.MaxSteps)
		assert.Equal(t, 45*time.Second, cfg.Agent.StepTimeout)
		assert.Equal(t, 5, cfg.Agent.MaxFailures)
		assert.True(t, cfg.Agent.FinalResponseAfterFailure)
		assert.False(t, cfg.Browser.Headless)
		assert.True(t, cfg.Browser.Persona.Enabled)
		assert.Equal(t, "Europe/Paris", cfg.Browser.Persona.Timezone)
		assert.Equal(t, []string{"fr-FR", "fr"}, cfg.Browser.Persona.Languages)
		assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
		// Untouched values keep their defaults.
		assert.Equal(t, 10, cfg.Agent.MaxActionsPerStep)
	})

	t.Run("API key is read from the environment", func(t *testing.T) {
		t.Setenv("BROWSEGRAPH_LLM_API_KEY", "test-key")
		v := viper.New()
		SetDefaults(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "test-key", cfg.LLM.APIKey)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("agent.max_steps", 0)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}
