package image

import (
	"context"
	"strings"
)

// GenerateRequest is one call to an image generation service.
type GenerateRequest struct {
	Prompt         string
	NegativePrompt string
	Variants       int
	AspectRatio    string
	// SeedKey makes repeated requests for the same job reproducible.
	SeedKey string
}

// Variant is one generated image.
type Variant struct {
	Data []byte
	MIME string
}

// Generator is the contract implemented by all image providers. Failures
// wrap domain.ErrRateLimited when the service throttled the caller and
// domain.ErrService otherwise.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]Variant, error)
}

// AspectRatioSize maps an aspect ratio to a DashScope size parameter.
func AspectRatioSize(aspect string) string {
	switch strings.TrimSpace(aspect) {
	case "16:9":
		return "1664*928"
	case "4:3":
		return "1472*1104"
	case "3:4":
		return "1140*1472"
	case "9:16":
		return "928*1664"
	default:
		return "1328*1328"
	}
}

func normalizeFormat(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch mime {
	case "image/jpeg", "image/jpg":
		return "image/jpeg"
	case "image/png":
		return "image/png"
	default:
		if strings.HasPrefix(mime, "image/") {
			return mime
		}
		return "image/png"
	}
}
