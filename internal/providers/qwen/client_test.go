package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestGenerateImagePayload(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client := NewClient(Options{
		APIKey:       "test",
		Model:        "qwen-image-plus",
		PromptExtend: true,
		HTTPClient:   &http.Client{Transport: transport},
	})
	transport.setJSONResponse("/api/v1/services/aigc/multimodal-generation/generation", http.StatusOK, map[string]any{
		"output": map[string]any{
			"choices": []any{
				map[string]any{
					"message": map[string]any{
						"content": []any{
							map[string]any{"image": "https://example.com/generated/out.png"},
						},
					},
				},
			},
		},
		"request_id": "req-123",
	})
	transport.setBinaryResponse("https://example.com/generated/out.png", []byte{0x89, 'P', 'N', 'G'})

	asset, err := client.GenerateImage(context.Background(), ImageRequest{
		Prompt: "a lighthouse at dusk",
		Size:   "1664*928",
		Seed:   42,
	})
	if err != nil {
		t.Fatalf("generate image: %v", err)
	}
	if !bytes.Equal(asset.Data, []byte{0x89, 'P', 'N', 'G'}) {
		t.Fatalf("unexpected image data %v", asset.Data)
	}
	if asset.Format != "image/png" {
		t.Fatalf("format = %q, want image/png", asset.Format)
	}
	if transport.lastAuth != "Bearer test" {
		t.Fatalf("authorization = %q", transport.lastAuth)
	}

	var payload map[string]any
	if err := json.Unmarshal(transport.lastBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	params := payload["parameters"].(map[string]any)
	if params["size"] != "1664*928" {
		t.Fatalf("size = %v, want 1664*928", params["size"])
	}
	if params["seed"] != float64(42) {
		t.Fatalf("seed = %v, want 42", params["seed"])
	}
	if params["prompt_extend"] != true {
		t.Fatalf("prompt_extend = %v, want true", params["prompt_extend"])
	}
	input := payload["input"].(map[string]any)
	messages := input["messages"].([]any)
	content := messages[0].(map[string]any)["content"].([]any)
	if text := content[0].(map[string]any)["text"]; text != "a lighthouse at dusk" {
		t.Fatalf("content text = %v", text)
	}
}

func TestGenerateImageThrottled(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
	}{
		{name: "http 429", status: http.StatusTooManyRequests, code: "RequestLimited"},
		{name: "throttling code", status: http.StatusBadRequest, code: "Throttling.RateQuota"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &captureTransport{responses: map[string]responseStub{}}
			client := NewClient(Options{APIKey: "k", HTTPClient: &http.Client{Transport: transport}})
			transport.setJSONResponse("/api/v1/services/aigc/multimodal-generation/generation", tt.status, map[string]any{
				"code":    tt.code,
				"message": "Requests rate limit exceeded",
			})

			_, err := client.GenerateImage(context.Background(), ImageRequest{Prompt: "x"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %T %v", err, err)
			}
			if !apiErr.Throttled() {
				t.Fatalf("expected throttled error, got %+v", apiErr)
			}
			if !strings.Contains(apiErr.Error(), "rate limit exceeded") {
				t.Fatalf("error should carry the service message: %v", apiErr)
			}
		})
	}
}

func TestGenerateImageServerError(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client := NewClient(Options{APIKey: "k", HTTPClient: &http.Client{Transport: transport}})
	transport.setJSONResponse("/api/v1/services/aigc/multimodal-generation/generation", http.StatusInternalServerError, map[string]any{
		"code":    "InternalError",
		"message": "oops",
	})
	_, err := client.GenerateImage(context.Background(), ImageRequest{Prompt: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Throttled() {
		t.Fatalf("expected non-throttled APIError, got %v", err)
	}
}

func TestGenerateImageMissingKey(t *testing.T) {
	client := NewClient(Options{})
	if _, err := client.GenerateImage(context.Background(), ImageRequest{Prompt: "x"}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

type captureTransport struct {
	responses map[string]responseStub
	lastBody  []byte
	lastAuth  string
}

type responseStub struct {
	status int
	header http.Header
	body   []byte
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodPost {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		c.lastBody = body
		c.lastAuth = req.Header.Get("Authorization")
		if stub, ok := c.responses[req.URL.Path]; ok {
			return stub.toResponse(), nil
		}
	}
	if req.Method == http.MethodGet {
		if stub, ok := c.responses[req.URL.String()]; ok {
			return stub.toResponse(), nil
		}
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader("not found")),
	}, nil
}

func (c *captureTransport) setJSONResponse(path string, status int, payload any) {
	body, _ := json.Marshal(payload)
	c.responses[path] = responseStub{
		status: status,
		header: http.Header{"Content-Type": []string{"application/json"}},
		body:   body,
	}
}

func (c *captureTransport) setBinaryResponse(url string, data []byte) {
	c.responses[url] = responseStub{
		status: http.StatusOK,
		header: http.Header{"Content-Type": []string{"image/png"}},
		body:   data,
	}
}

func (s responseStub) toResponse() *http.Response {
	header := http.Header{}
	for k, values := range s.header {
		cloned := make([]string, len(values))
		copy(cloned, values)
		header[k] = cloned
	}
	return &http.Response{
		StatusCode: s.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(s.body)),
	}
}
