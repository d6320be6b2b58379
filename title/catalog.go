package title

import "strings"

// Catalog is an in-memory Translator keyed by locale.
type Catalog struct {
	Locale   string
	Messages map[string]map[string]string
}

// DefaultMessages are the built-in reply texts.
var DefaultMessages = map[string]map[string]string{
	"en": {
		NotAvailable:           "n/a",
		"game.change.success":  "Game was changed to $game",
		"game.change.failed":   "Game change failed, game is still $game",
		"title.change.success": "Title was changed to: $title",
		"title.change.failed":  "Title change failed, title is still: $title",
	},
	"cs": {
		NotAvailable:           "n/a",
		"game.change.success":  "Hra byla změněna na $game",
		"game.change.failed":   "Změna hry selhala, hra je stále $game",
		"title.change.success": "Název streamu byl změněn na: $title",
		"title.change.failed":  "Změna názvu selhala, název je stále: $title",
	},
}

// NewCatalog returns a Catalog over DefaultMessages.
func NewCatalog(locale string) *Catalog {
	return &Catalog{Locale: strings.ToLower(locale), Messages: DefaultMessages}
}

// Translate falls back to English, then to the key itself.
func (c *Catalog) Translate(key string) string {
	if m, ok := c.Messages[c.Locale]; ok {
		if s, ok := m[key]; ok {
			return s
		}
	}
	if s, ok := c.Messages["en"][key]; ok {
		return s
	}
	return key
}
