package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/internal/config"
)

// hideAutomationJS runs before any page script on every new document.
const hideAutomationJS = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
}

// DefaultPersona provides a realistic default browser profile.
var DefaultPersona = Persona{
	UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	Platform:  "Linux x86_64",
	Languages: []string{"en-US", "en"},
	Timezone:  "UTC",
	Locale:    "en-US",
}

// PersonaFromConfig fills the unset fields of cfg from DefaultPersona.
func PersonaFromConfig(cfg config.PersonaConfig) Persona {
	p := DefaultPersona
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	if len(cfg.Languages) > 0 {
		p.Languages = cfg.Languages
	}
	if cfg.Timezone != "" {
		p.Timezone = cfg.Timezone
	}
	if cfg.Locale != "" {
		p.Locale = cfg.Locale
	}
	return p
}

// AcceptLanguage renders the languages with descending quality values.
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// Apply returns the DevTools actions that make the tab present as p.
func (p Persona) Apply(logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser persona.",
		zap.String("user_agent", p.UserAgent),
		zap.String("timezone", p.Timezone),
		zap.String("locale", p.Locale),
	)

	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(p.AcceptLanguage()),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(hideAutomationJS).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject persona script: %w", err)
			}
			return nil
		}),
		emulation.SetTimezoneOverride(p.Timezone),
		emulation.SetLocaleOverride().WithLocale(p.Locale),
	}
	if len(p.Languages) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": p.AcceptLanguage(),
		}))
	}
	return tasks
}
