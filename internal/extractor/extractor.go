// Package extractor turns rendered product HTML into structured item
// fields via an LLM call.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"giftflow/internal/config"
	"giftflow/internal/fault"
)

const systemPrompt = `You extract product information from HTML pages of online stores.
Respond with a single JSON object with exactly these keys:
  "name"      - product name, or null
  "price"     - displayed price as a string including currency, or null
  "imageUrl"  - absolute URL of the main product image, or null
  "linkLabel" - short store or site name, or null
Respond with the JSON object only, no prose.`

// Item holds the extracted fields; any of them may be null.
type Item struct {
	Name      *string `json:"name"`
	Price     *string `json:"price"`
	ImageURL  *string `json:"imageUrl"`
	LinkLabel *string `json:"linkLabel"`
}

type Client struct {
	llm          llms.Model
	model        string
	maxHTMLChars int
}

// New creates the extraction client for the configured provider.
func New(cfg config.Config) (*Client, error) {
	var model llms.Model
	var err error

	switch cfg.AIProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.AIModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
	case config.ProviderAnthropic:
		if cfg.AIAPIKey == "" {
			return nil, fmt.Errorf("AI_API_KEY required for provider %s", cfg.AIProvider)
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AIAPIKey),
			anthropic.WithModel(cfg.AIModel),
		)
	case config.ProviderOpenAI:
		if cfg.AIAPIKey == "" {
			return nil, fmt.Errorf("AI_API_KEY required for provider %s", cfg.AIProvider)
		}
		model, err = openai.New(
			openai.WithToken(cfg.AIAPIKey),
			openai.WithModel(cfg.AIModel),
		)
	default:
		return nil, fmt.Errorf("unsupported AI provider: %s", cfg.AIProvider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", cfg.AIProvider, err)
	}

	return &Client{llm: model, model: cfg.AIModel, maxHTMLChars: cfg.MaxHTMLChars}, nil
}

// ParseItem extracts item fields from html. The HTML is truncated to
// maxHTMLChars before transmission. Provider failures come back tagged
// with their retry classification.
func (c *Client) ParseItem(ctx context.Context, html string) (*Item, error) {
	html = Truncate(html, c.maxHTMLChars)

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, html),
	}

	resp, err := c.llm.GenerateContent(ctx, messages)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.Transientf("empty response from model %s", c.model)
	}

	return ParseResponse(resp.Choices[0].Content)
}

// Truncate cuts s to at most max bytes without splitting a rune.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := s[:max]
	// Trim a trailing partial UTF-8 sequence.
	for len(cut) > 0 {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r == utf8.RuneError && size <= 1 {
			cut = cut[:len(cut)-1]
			continue
		}
		break
	}
	return cut
}

// ParseResponse decodes the model output. Models occasionally wrap the
// object in prose or a code fence, so the first balanced JSON object
// substring is extracted before unmarshalling.
func ParseResponse(content string) (*Item, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fault.Transientf("empty extractor output")
	}

	raw := firstJSONObject(content)
	if raw == "" {
		return nil, fault.Permanentf("no JSON object in extractor output")
	}

	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fault.Permanentf("malformed extractor output: %v", err)
	}
	return &item, nil
}

// firstJSONObject returns the first balanced {...} substring of s,
// respecting string literals and escapes.
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// classifyProviderError maps provider failures onto the retry
// taxonomy: bad credentials and safety blocks are permanent, quota
// and availability problems are transient.
func classifyProviderError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid_api_key") ||
		strings.Contains(msg, "401"):
		return fault.Permanentf("extractor credentials rejected: %v", err)
	case strings.Contains(msg, "content_filter") ||
		strings.Contains(msg, "content filter") ||
		strings.Contains(msg, "safety"):
		return fault.Permanentf("blocked by content filter: %v", err)
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "overloaded"):
		return fault.Transientf("extractor rate limited: %v", err)
	default:
		return fault.Transientf("extractor call failed: %v", err)
	}
}
