// Package prompt turns a job's description and style key into the exact
// prompt sent to the generation service.
package prompt

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultNegativePrompt lists artefacts the model should avoid.
const DefaultNegativePrompt = "low quality, blurry, distorted, washed out, text artefacts, watermark"

var defaultStyles = map[string]string{
	"photographic": "photorealistic, natural lighting, shallow depth of field, 35mm lens",
	"illustration": "clean vector illustration, flat colors, bold shapes",
	"watercolor":   "soft watercolor painting, textured paper, gentle washes of color",
	"minimal":      "minimalist composition, generous negative space, muted palette",
	"corporate":    "polished corporate presentation visual, neutral background, crisp detail",
	"isometric":    "isometric 3D render, soft shadows, pastel palette",
}

// Catalog maps style keys to prompt fragments.
type Catalog struct {
	styles map[string]string
	title  cases.Caser
}

// NewCatalog returns the built-in styles merged with overrides.
func NewCatalog(overrides map[string]string) *Catalog {
	styles := make(map[string]string, len(defaultStyles)+len(overrides))
	for k, v := range defaultStyles {
		styles[k] = v
	}
	for k, v := range overrides {
		if key := normalizeKey(k); key != "" && strings.TrimSpace(v) != "" {
			styles[key] = strings.TrimSpace(v)
		}
	}
	return &Catalog{styles: styles, title: cases.Title(language.English)}
}

// Fragment returns the style text for key. Unknown keys become a readable
// style name, so "film-noir" yields "Film Noir style".
func (c *Catalog) Fragment(key string) string {
	key = normalizeKey(key)
	if key == "" {
		return ""
	}
	if fragment, ok := c.styles[key]; ok {
		return fragment
	}
	return c.title.String(strings.NewReplacer("-", " ", "_", " ").Replace(key)) + " style"
}

// Build composes the full prompt for a description and style key.
func (c *Catalog) Build(description, style string) string {
	description = strings.TrimSpace(description)
	description = strings.TrimRight(description, ".")
	fragment := c.Fragment(style)
	if fragment == "" {
		return description + "."
	}
	return fmt.Sprintf("%s. Visual style: %s.", description, fragment)
}

// Styles lists the known style keys.
func (c *Catalog) Styles() []string {
	keys := make([]string, 0, len(c.styles))
	for k := range c.styles {
		keys = append(keys, k)
	}
	return keys
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
