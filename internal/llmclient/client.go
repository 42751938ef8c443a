// Package llmclient is the Outbound LLM Client (spec.md §4.10): a
// generate-then-validate-then-repair loop over a JSON schema, grounded on
// original_source/app/services/llm_service.py for the call/strip-fence/
// repair-prompt flow and core/infra/schema/validate.go for JSON-schema
// validation.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/govisually/webhookd/core/infra/logging"
	"github.com/govisually/webhookd/core/infra/schema"
	"github.com/govisually/webhookd/internal/jobrun"
)

// Config configures the LLM client.
type Config struct {
	APIKey         string
	Model          string
	RequestTimeout time.Duration
	TruncateChars  int
}

// Client is the Outbound LLM Client interface.
type Client interface {
	// Extract runs the generate -> validate -> repair loop and returns the
	// validated object as a decoded map.
	Extract(ctx context.Context, systemPrompt, userPrompt string, schemaBytes []byte) (map[string]interface{}, error)
	// Truncate applies the configured head+tail character budget.
	Truncate(text string) string
}

type client struct {
	cfg  Config
	http *http.Client
}

// New constructs an LLM client. cfg.TruncateChars <= 0 disables truncation.
func New(cfg Config) Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

const elisionMarker = "\n...[truncated]...\n"

// Truncate keeps the first and last half of the character budget, with an
// elision marker between, matching the reference implementation's head+tail
// sampling for large meeting transcripts.
func (c *client) Truncate(text string) string {
	limit := c.cfg.TruncateChars
	if limit <= 0 || len(text) <= limit {
		return text
	}
	half := limit / 2
	if half <= 0 {
		return text[:limit]
	}
	return text[:half] + elisionMarker + text[len(text)-half:]
}

func (c *client) Extract(ctx context.Context, systemPrompt, userPrompt string, schemaBytes []byte) (map[string]interface{}, error) {
	userPrompt = c.Truncate(userPrompt)

	raw, err := c.call(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}
	obj, parseErr := extractJSONObject(raw)
	if parseErr == nil {
		if valErr := schema.ValidateSchema("llm-extract", schemaBytes, json.RawMessage(mustMarshal(obj))); valErr == nil {
			return obj, nil
		} else {
			parseErr = valErr
		}
	}

	// One repair attempt: include the prior output and the validation error.
	repairPrompt := fmt.Sprintf(
		"Your previous response failed validation.\n\nPrevious response:\n%s\n\nValidation error:\n%v\n\nReturn only valid JSON matching the required schema.",
		raw, parseErr,
	)
	raw2, err := c.call(ctx, systemPrompt, repairPrompt)
	if err != nil {
		return nil, err
	}
	obj2, parseErr2 := extractJSONObject(raw2)
	if parseErr2 != nil {
		return nil, jobrun.NewPermanent("llm_schema_invalid", parseErr2)
	}
	if valErr := schema.ValidateSchema("llm-extract-repair", schemaBytes, json.RawMessage(mustMarshal(obj2))); valErr != nil {
		return nil, jobrun.NewPermanent("llm_schema_invalid", valErr)
	}
	return obj2, nil
}

func mustMarshal(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

// geminiEndpoint mirrors _gemini_endpoint in the reference implementation.
func (c *client) geminiEndpoint() string {
	return fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s", c.cfg.Model, c.cfg.APIKey)
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

func (c *client) call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: userPrompt}}}},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", jobrun.NewPermanent("llm_request_marshal_failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.geminiEndpoint(), bytes.NewReader(payload))
	if err != nil {
		return "", jobrun.NewPermanent("llm_request_build_failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", jobrun.NewTransient("llm_network_error", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", jobrun.NewTransient("llm_transient_http_error", fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", jobrun.NewPermanent("llm_permanent_http_error", fmt.Errorf("http %d: %s", resp.StatusCode, raw))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", jobrun.NewPermanent("llm_response_invalid_json", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", jobrun.NewPermanent("llm_response_empty", nil)
	}
	if fr := parsed.Candidates[0].FinishReason; fr != "" && fr != "STOP" {
		// Non-STOP finish reasons (SAFETY, MAX_TOKENS, ...) still return
		// whatever text was generated; downstream schema validation is the
		// real gate, so this is only worth a warning, not a failure.
		logging.Warn("llmclient", "non-STOP finish reason", "finish_reason", fr)
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

// extractJSONObject strips a markdown/fenced-code wrapper and locates the
// first balanced {...} object by brace counting, matching
// _extract_json_object in the reference implementation.
func extractJSONObject(text string) (map[string]interface{}, error) {
	stripped := stripFence(text)
	start := strings.IndexByte(stripped, '{')
	if start < 0 {
		return nil, fmt.Errorf("no json object found")
	}
	depth := 0
	end := -1
	for i := start; i < len(stripped); i++ {
		switch stripped[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end != -1 {
			break
		}
	}
	if end == -1 {
		return nil, fmt.Errorf("unbalanced json object")
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(stripped[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("decode json object: %w", err)
	}
	return obj, nil
}

func stripFence(text string) string {
	t := strings.TrimSpace(text)
	lower := strings.ToLower(t)
	if strings.HasPrefix(lower, "```json") {
		t = t[len("```json"):]
	} else if strings.HasPrefix(t, "```") {
		t = t[len("```"):]
	} else {
		return t
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
