package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"tryon/internal/entity"

	"github.com/sirupsen/logrus"
)

// Gemini uses a Google-style streaming endpoint. The request is a single user
// turn: one inlineData part per input image followed by the instruction text,
// asking for both image and text response modalities.
const geminiStreamEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/%s:streamGenerateContent?alt=sse"

// Request payload pieces ----------------------------------------------------
type (
	geminiInlineData struct {
		MimeType string `json:"mimeType,omitempty"`
		Data     string `json:"data,omitempty"`
	}
	geminiPart struct {
		Text       string            `json:"text,omitempty"`
		InlineData *geminiInlineData `json:"inlineData,omitempty"`
	}
	geminiContent struct {
		Role  string       `json:"role,omitempty"`
		Parts []geminiPart `json:"parts"`
	}
	geminiGenerationConfig struct {
		ResponseModalities []string `json:"responseModalities,omitempty"`
	}
	geminiRequest struct {
		Contents         []geminiContent         `json:"contents"`
		GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
	}
)

// Response payload pieces ---------------------------------------------------
type (
	geminiCandidate struct {
		FinishReason string        `json:"finishReason,omitempty"`
		Content      geminiContent `json:"content"`
	}
	geminiError struct {
		Message string `json:"message"`
	}
	geminiStreamChunk struct {
		Candidates []geminiCandidate `json:"candidates"`
		Error      *geminiError      `json:"error,omitempty"`
	}
)

// GeminiDriver streams image generations from the Gemini API via SSE.
type GeminiDriver struct {
	apiKey   string
	model    string
	endpoint string
	httpCli  *http.Client
}

// NewGeminiDriver 创建 Gemini 协议驱动。endpoint 可为空（官方端点）、
// 基础 URL 或带 %s 的模板。
func NewGeminiDriver(apiKey, model, endpoint string) (*GeminiDriver, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key missing")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("gemini model is required")
	}
	return &GeminiDriver{
		apiKey:   strings.TrimSpace(apiKey),
		model:    strings.TrimSpace(model),
		endpoint: strings.TrimSpace(endpoint),
		httpCli:  &http.Client{Timeout: 0}, // long-running streams manage their own deadline via ctx
	}, nil
}

func (d *GeminiDriver) Name() string {
	return "gemini"
}

// generate performs one request/response cycle. The first candidate part
// carrying non-empty inline image data wins and scanning stops; only one
// output image is ever produced per call.
func (d *GeminiDriver) generate(ctx context.Context, req entity.ComposeRequest) (*driverResult, error) {
	parts, err := buildGeminiParts(req)
	if err != nil {
		return nil, err
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: parts},
		},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"IMAGE", "TEXT"},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("gemini marshal request: %w", err)
	}

	targetURL := resolveGeminiEndpoint(d.endpoint, d.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("gemini create request: %w", err)
	}
	// Prefer header to avoid logging the API key inside URLs.
	httpReq.Header.Set("x-goog-api-key", d.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	logrus.WithFields(logrus.Fields{
		"model":       d.model,
		"image_count": len(req.Images),
		"prompt":      logSnippet(req.Instruction),
	}).Info("gemini generate content start")

	resp, err := d.httpCli.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(resp.Body)
		logrus.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   logSnippet(buf.String()),
		}).Error("gemini generate http error")
		return nil, fmt.Errorf("gemini http %d: %s", resp.StatusCode, logSnippet(buf.String()))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var assistantText string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			break
		}

		var chunk geminiStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			logrus.WithError(err).Warn("gemini failed to unmarshal stream chunk")
			continue
		}
		if chunk.Error != nil && strings.TrimSpace(chunk.Error.Message) != "" {
			return nil, fmt.Errorf("gemini stream error: %s", chunk.Error.Message)
		}

		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					assistantText = appendLine(assistantText, part.Text)
				}
				if part.InlineData != nil && strings.TrimSpace(part.InlineData.Data) != "" {
					// 第一份非空内联图片即为最终结果
					return &driverResult{
						Payload:  []byte(strings.TrimSpace(part.InlineData.Data)),
						MimeType: part.InlineData.MimeType,
						Text:     assistantText,
					}, nil
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("gemini stream read error: %w", err)
	}

	if strings.TrimSpace(assistantText) != "" {
		return nil, fmt.Errorf("gemini response did not include image data: %s", logSnippet(assistantText))
	}
	return nil, errors.New("gemini response did not include image data")
}

// buildGeminiParts 把归一化后的本地图片读成 inlineData，末尾附上指令文本。
// 任何一张图读不出来都让整个调用失败，而不是静默跳过。
func buildGeminiParts(req entity.ComposeRequest) ([]geminiPart, error) {
	parts := make([]geminiPart, 0, len(req.Images)+1)
	for idx, img := range req.Images {
		data, err := os.ReadFile(img.Path)
		if err != nil {
			return nil, fmt.Errorf("read input image %d: %w", idx, err)
		}
		mimeType := strings.TrimSpace(img.MimeType)
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		parts = append(parts, geminiPart{
			InlineData: &geminiInlineData{
				MimeType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(data),
			},
		})
	}
	parts = append(parts, geminiPart{Text: strings.TrimSpace(req.Instruction)})
	return parts, nil
}

// appendLine concatenates messages with newlines, avoiding empty prefixes.
func appendLine(current, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return current
	}
	if strings.TrimSpace(current) == "" {
		return next
	}
	return current + "\n" + next
}

// resolveGeminiEndpoint builds the request URL from a provided endpoint
// template or base URL.
// - If endpoint contains "%s", it is treated as a fmt template for the model.
// - If endpoint is a bare base URL, the default Gemini suffix is appended.
// - If empty, fall back to the public Gemini endpoint.
func resolveGeminiEndpoint(endpoint, model string) string {
	base := strings.TrimSpace(endpoint)
	if base == "" {
		return fmt.Sprintf(geminiStreamEndpoint, model)
	}
	if strings.Contains(base, "%s") {
		return fmt.Sprintf(base, model)
	}
	base = strings.TrimRight(base, "/")
	return fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", base, model)
}

var _ protocolDriver = (*GeminiDriver)(nil)
