package i18n

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	goi18n "github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Translator renders user-visible strings from a message bundle. A missing
// bundle, language or key silently degrades to returning the key itself so
// the bot stays usable without translation files.
type Translator struct {
	localizer *goi18n.Localizer
	logger    *slog.Logger
}

// New loads <translationPath>/<lang>.json into a bundle. Load failures are
// logged and leave the translator in degraded mode.
func New(logger *slog.Logger, translationPath, lang string) *Translator {
	t := &Translator{logger: logger}

	tag, err := language.Parse(lang)
	if err != nil {
		logger.Warn("unparseable language, translator degraded", "lang", lang, "error", err)
		return t
	}

	bundle := goi18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	path := filepath.Join(filepath.Clean(translationPath), lang+".json")
	if _, statErr := os.Stat(path); statErr == nil {
		if _, loadErr := bundle.LoadMessageFile(path); loadErr != nil {
			logger.Warn("translation bundle load failed, translator degraded", "path", path, "error", loadErr)
			return t
		}
	} else if lang != "en" {
		logger.Warn("translation bundle missing, translator degraded", "path", path)
	}

	t.localizer = goi18n.NewLocalizer(bundle, lang)
	return t
}

// Translate renders a key with template kwargs. Unknown keys come back with
// their {placeholder} markers substituted from kwargs, so gate replies stay
// readable without a bundle.
func (t *Translator) Translate(key string, kwargs map[string]any) string {
	if t == nil || t.localizer == nil {
		return fillPlaceholders(key, kwargs)
	}
	msg, err := t.localizer.Localize(&goi18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: kwargs,
	})
	if err != nil || strings.TrimSpace(msg) == "" {
		return fillPlaceholders(key, kwargs)
	}
	return msg
}

func fillPlaceholders(key string, kwargs map[string]any) string {
	if len(kwargs) == 0 {
		return key
	}
	out := key
	for k, v := range kwargs {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprint(v))
	}
	return out
}
