// Package i18n localizes the texts examforge writes into questions, grades and
// study plans, and the messages of the HTTP API.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"

	"github.com/pavelanni/examforge/internal/model"
)

var jsonUnmarshal = json.Unmarshal

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

var (
	mu          sync.RWMutex
	bundle      *i18n.Bundle
	defaultLang = "en"
	loadOnce    sync.Once
)

// Init loads the translation bundle with lang as the default language.
func Init(lang string) error {
	b, err := newBundle(lang)
	if err != nil {
		return err
	}
	mu.Lock()
	bundle, defaultLang = b, lang
	mu.Unlock()
	loadOnce.Do(func() {})
	return nil
}

func newBundle(lang string) (*i18n.Bundle, error) {
	tag, err := language.Parse(lang)
	if err != nil {
		return nil, fmt.Errorf("parse language %q: %w", lang, err)
	}

	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", jsonUnmarshal)

	// Load all locale files from embedded FS.
	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("read locales dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read locale file %s: %w", e.Name(), err)
		}
		if _, err := b.ParseMessageFileBytes(data, e.Name()); err != nil {
			return nil, fmt.Errorf("parse locale file %s: %w", e.Name(), err)
		}
		slog.Debug("loaded locale file", "file", e.Name())
	}
	return b, nil
}

// current returns the bundle, loading the English default when Init was
// never called.
func current() (*i18n.Bundle, string) {
	loadOnce.Do(func() {
		b, err := newBundle("en")
		if err != nil {
			// Embedded locale files are part of the binary.
			panic(err)
		}
		mu.Lock()
		bundle = b
		mu.Unlock()
	})
	mu.RLock()
	defer mu.RUnlock()
	return bundle, defaultLang
}

// Code maps a question language to its locale code.
func Code(lang model.Language) string {
	if lang == model.LanguageChinese {
		return "zh"
	}
	return "en"
}

// NewLocalizer creates a localizer preferring langs in order, then the
// default language. Entries may be Accept-Language header values.
func NewLocalizer(langs ...string) *i18n.Localizer {
	b, def := current()
	return i18n.NewLocalizer(b, append(langs, def)...)
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

// ForLanguage stores a localizer for a question language in the context.
func ForLanguage(ctx context.Context, lang model.Language) context.Context {
	return WithLocalizer(ctx, NewLocalizer(Code(lang)))
}

// localizerFromCtx retrieves the localizer from context.
func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(ctxKey{}).(*i18n.Localizer); ok {
		return loc
	}
	_, def := current()
	return NewLocalizer(def)
}

// T translates a message by ID.
func T(ctx context.Context, msgID string) string {
	return localize(localizerFromCtx(ctx), &i18n.LocalizeConfig{MessageID: msgID})
}

// Td translates a message by ID with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return localize(localizerFromCtx(ctx), &i18n.LocalizeConfig{
		MessageID:    msgID,
		TemplateData: data,
	})
}

// Tp translates a pluralized message by ID.
func Tp(ctx context.Context, msgID string, count int) string {
	return localize(localizerFromCtx(ctx), &i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}

// Text translates a message into a question language without a context.
func Text(lang model.Language, msgID string, data map[string]any) string {
	return localize(NewLocalizer(Code(lang)), &i18n.LocalizeConfig{
		MessageID:    msgID,
		TemplateData: data,
	})
}

func localize(loc *i18n.Localizer, cfg *i18n.LocalizeConfig) string {
	s, err := loc.Localize(cfg)
	if err != nil {
		slog.Warn("missing translation", "id", cfg.MessageID, "error", err)
		return cfg.MessageID
	}
	return s
}
