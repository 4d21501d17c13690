package image

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
	"strings"
	"time"
)

// Synthetic renders deterministic striped PNGs locally. It lets the pipeline
// run end to end without an API key.
type Synthetic struct {
	maxEdge int
	delay   time.Duration
}

// NewSynthetic returns a generator whose images fit in maxEdge pixels and
// which waits delay before answering, imitating a remote call.
func NewSynthetic(maxEdge int, delay time.Duration) *Synthetic {
	if maxEdge <= 0 {
		maxEdge = 512
	}
	return &Synthetic{maxEdge: maxEdge, delay: delay}
}

func (s *Synthetic) Generate(ctx context.Context, req GenerateRequest) ([]Variant, error) {
	count := req.Variants
	if count <= 0 {
		count = 1
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	width, height := normalizeAspect(req.AspectRatio)
	width, height = fitWithin(width, height, s.maxEdge)
	variants := make([]Variant, count)
	for i := range variants {
		seed := syntheticSeed(req.SeedKey, req.Prompt, i)
		variants[i] = Variant{Data: renderSyntheticImage(width, height, seed), MIME: "image/png"}
	}
	return variants, nil
}

var _ Generator = (*Synthetic)(nil)

func renderSyntheticImage(width, height int, seed string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := colorFromSeed(seed, 0)
	accent := colorFromSeed(seed, 1)
	draw.Draw(img, img.Bounds(), &image.Uniform{base}, image.Point{}, draw.Src)

	stripeHeight := max(8, height/12)
	for y := 0; y < height; y += stripeHeight * 2 {
		stripe := image.Rect(0, y, width, min(height, y+stripeHeight))
		draw.Draw(img, stripe, &image.Uniform{accent}, image.Point{}, draw.Over)
	}

	diagonal := colorFromSeed(seed, 2)
	for x := 0; x < max(width, height); x += max(8, width/32) {
		for y := 0; y < height; y++ {
			xx := x + y
			if xx >= width {
				break
			}
			img.Set(xx, y, diagonal)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

func colorFromSeed(seed string, shift int) color.RGBA {
	if len(seed) < 6 {
		seed = "000000"
	}
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	return color.RGBA{R: parseHexByte(segment[0:2]), G: parseHexByte(segment[2:4]), B: parseHexByte(segment[4:6]), A: 255}
}

func parseHexByte(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

func syntheticSeed(parts ...any) string {
	hasher := sha256.New()
	for _, part := range parts {
		fmt.Fprintf(hasher, "%v|", part)
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}

func normalizeAspect(aspect string) (int, int) {
	switch strings.TrimSpace(strings.ToLower(aspect)) {
	case "16:9":
		return 1920, 1080
	case "9:16":
		return 1080, 1920
	case "4:3":
		return 1472, 1104
	case "3:4":
		return 1104, 1472
	case "1:1", "square", "":
		return 1024, 1024
	default:
		parts := strings.Split(aspect, ":")
		if len(parts) == 2 {
			a, errA := strconv.Atoi(strings.TrimSpace(parts[0]))
			b, errB := strconv.Atoi(strings.TrimSpace(parts[1]))
			if errA == nil && errB == nil && a > 0 && b > 0 {
				return 1024, int(float64(1024) * float64(b) / float64(a))
			}
		}
		return 1024, 1024
	}
}

func fitWithin(width, height, maxEdge int) (int, int) {
	longest := max(width, height)
	if longest <= maxEdge {
		return width, height
	}
	return max(1, width*maxEdge/longest), max(1, height*maxEdge/longest)
}
