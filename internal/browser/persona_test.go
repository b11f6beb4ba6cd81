package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browsegraph/internal/config"
)

func TestPersonaFromConfig(t *testing.T) {
	t.Run("empty config keeps the defaults", func(t *testing.T) {
		assert.Equal(t, DefaultPersona, PersonaFromConfig(config.PersonaConfig{Enabled: true}))
	})

	t.Run("overrides", func(t *testing.T) {
		p := PersonaFromConfig(config.PersonaConfig{
			UserAgent: "agent/1.0",
			Languages: []string{"de-DE"},
			Timezone:  "Europe/Berlin",
			Locale:    "de-DE",
		})
		assert.Equal(t, "agent/1.0", p.UserAgent)
		assert.Equal(t, DefaultPersona.Platform, p.Platform)
		assert.Equal(t, "Europe/Berlin", p.Timezone)
		assert.Equal(t, "de-DE", p.AcceptLanguage())
	})
}

func TestPersona_AcceptLanguage(t *testing.T) {
	assert.Equal(t, "en-US,en;q=0.9", DefaultPersona.AcceptLanguage())

	many := Persona{Languages: []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"}}
	assert.Contains(t, many.AcceptLanguage(), "l;q=0.1", "quality never drops below 0.1")
	assert.Equal(t, "", Persona{}.AcceptLanguage())
}

func TestPersona_Apply(t *testing.T) {
	logger := zaptest.NewLogger(t)
	assert.Len(t, DefaultPersona.Apply(logger), 5)

	noLang := DefaultPersona
	noLang.Languages = nil
	assert.Len(t, noLang.Apply(logger), 4, "no Accept-Language header without languages")
}
