package image

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"imagejobs/internal/domain"
	"imagejobs/internal/providers/qwen"
)

type qwenImageClient interface {
	GenerateImage(context.Context, qwen.ImageRequest) (*qwen.ImageAsset, error)
	HasCredentials() bool
	Model() string
}

// QwenGenerator produces variants with DashScope's Qwen image model, one
// remote call per variant. Without credentials it delegates to fallback.
type QwenGenerator struct {
	client   qwenImageClient
	fallback Generator
}

// NewQwenGenerator wires a Qwen client with an optional fallback generator.
func NewQwenGenerator(client qwenImageClient, fallback Generator) *QwenGenerator {
	return &QwenGenerator{client: client, fallback: fallback}
}

// Generate fulfils the Generator interface.
func (g *QwenGenerator) Generate(ctx context.Context, req GenerateRequest) ([]Variant, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("%w: qwen generator not configured", domain.ErrService)
	}
	if !g.client.HasCredentials() {
		if g.fallback != nil {
			return g.fallback.Generate(ctx, req)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrService, qwen.ErrMissingAPIKey)
	}
	count := req.Variants
	if count <= 0 {
		count = 1
	}
	size := AspectRatioSize(req.AspectRatio)
	variants := make([]Variant, 0, count)
	for i := 0; i < count; i++ {
		prompt := buildVariationPrompt(strings.TrimSpace(req.Prompt), count, i)
		imageReq := qwen.ImageRequest{
			Prompt:         prompt,
			NegativePrompt: strings.TrimSpace(req.NegativePrompt),
			Size:           size,
			Seed:           deterministicSeed(req.SeedKey, g.client.Model(), prompt, i),
		}
		asset, err := g.invokeQwen(ctx, imageReq)
		if err != nil {
			return nil, classifyQwenError(err)
		}
		variants = append(variants, Variant{
			Data: asset.Data,
			MIME: normalizeFormat(asset.Format),
		})
	}
	return variants, nil
}

func (g *QwenGenerator) String() string {
	if g == nil || g.client == nil {
		return "qwen"
	}
	return g.client.Model()
}

var _ Generator = (*QwenGenerator)(nil)

// invokeQwen retries once without the negative prompt when DashScope reports
// a transient internal failure.
func (g *QwenGenerator) invokeQwen(ctx context.Context, req qwen.ImageRequest) (*qwen.ImageAsset, error) {
	asset, err := g.client.GenerateImage(ctx, req)
	if err == nil {
		return asset, nil
	}
	if !isTransientQwenError(err) || ctx.Err() != nil {
		return nil, err
	}
	simplified := req
	simplified.NegativePrompt = ""
	return g.client.GenerateImage(ctx, simplified)
}

func classifyQwenError(err error) error {
	var apiErr *qwen.APIError
	if errors.As(err, &apiErr) && apiErr.Throttled() {
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrService, err)
}

func isTransientQwenError(err error) bool {
	var apiErr *qwen.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Throttled() {
			return false
		}
		if apiErr.Status >= 500 {
			return true
		}
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if strings.Contains(msg, "internalerror") || strings.Contains(msg, "internal error") {
		return true
	}
	if strings.Contains(msg, "service unavailable") || strings.Contains(msg, "server unavailable") {
		return true
	}
	return false
}

func deterministicSeed(values ...any) int {
	if len(values) == 0 {
		return 0
	}
	var parts []string
	for _, v := range values {
		parts = append(parts, fmt.Sprint(v))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	n := binary.BigEndian.Uint32(sum[:4])
	value := int(n % 2147483647)
	if value <= 0 {
		fallback := binary.BigEndian.Uint32(sum[4:8]) % 2147483647
		if fallback == 0 {
			fallback = 1
		}
		value = int(fallback)
	}
	return value
}

func buildVariationPrompt(prompt string, total, index int) string {
	trimmed := strings.TrimSpace(prompt)
	if total <= 1 {
		return trimmed
	}
	if trimmed == "" {
		return fmt.Sprintf("Variation #%d.", index+1)
	}
	return fmt.Sprintf("%s\nVariation #%d of %d, distinct composition.", trimmed, index+1, total)
}
