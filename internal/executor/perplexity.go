package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yonaka/researchd/internal/research"
)

const (
	defaultBaseURL = "https://api.perplexity.ai"
	defaultModel   = "sonar"
	defaultTimeout = 120 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond

	maxTokens   = 2000
	temperature = 0.2

	fallbackSource = "Perplexity AI"
)

const systemPrompt = `You are a world-class research specialist. Conduct comprehensive research following these principles:

1. Provide accurate, reliable answers grounded in the most recent information
2. Analyze from multiple perspectives
3. Include concrete examples and data
4. Structure key points under headings
5. Suggest related angles worth investigating

Format the answer with headings, include citations for important claims, and propose follow-up questions.`

// Client runs research queries against the Perplexity chat completions API.
// It implements research.Executor.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient creates a Perplexity client with the given API key.
func NewClient(apiKey, model string) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, model, baseURL string) *Client {
	c := NewClient(apiKey, model)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model                  string        `json:"model"`
	Messages               []chatMessage `json:"messages"`
	MaxTokens              int           `json:"max_tokens"`
	Temperature            float64       `json:"temperature"`
	ReturnCitations        bool          `json:"return_citations"`
	ReturnRelatedQuestions bool          `json:"return_related_questions"`
	Stream                 bool          `json:"stream"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type searchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet"`
	Date        string `json:"date"`
	LastUpdated string `json:"last_updated"`
}

type chatResponse struct {
	ID            string         `json:"id"`
	Choices       []chatChoice   `json:"choices"`
	Citations     []string       `json:"citations"`
	SearchResults []searchResult `json:"search_results"`
}

// Execute sends the research query and maps the provider response into the
// snapshot result shapes. An empty response (no choices) is an error.
func (c *Client) Execute(ctx context.Context, req research.ExecutionRequest) (research.ExecutionOutcome, error) {
	if strings.TrimSpace(req.Query) == "" {
		return research.ExecutionOutcome{}, fmt.Errorf("query is required")
	}

	resp, err := c.chat(ctx, buildMessages(req))
	if err != nil {
		return research.ExecutionOutcome{}, err
	}
	if len(resp.Choices) == 0 {
		return research.ExecutionOutcome{}, fmt.Errorf("empty response from provider")
	}

	citations := resp.Citations
	if citations == nil {
		citations = []string{}
	}

	outcome := research.ExecutionOutcome{
		Status:        research.StatusCompleted,
		Results:       make([]research.Result, 0, len(resp.Choices)),
		SearchResults: mapSearchResults(resp.SearchResults),
		Citations:     citations,
	}

	processed := processCitations(citations, resp.SearchResults)
	for i, choice := range resp.Choices {
		content := choice.Message.Content
		outcome.Results = append(outcome.Results, research.Result{
			ID:                 fmt.Sprintf("%s-%d", resp.ID, i),
			Content:            ExtractText(content),
			HTMLContent:        content,
			Source:             primarySource(resp, i),
			RelevanceScore:     relevance(req.Query, content),
			ProcessedCitations: processed,
		})
	}

	return outcome, nil
}

func buildMessages(req research.ExecutionRequest) []chatMessage {
	messages := []chatMessage{{Role: "system", Content: systemPrompt}}

	var b strings.Builder
	if req.SelectedText != "" {
		b.WriteString("[Selected text]\n")
		b.WriteString(req.SelectedText)
		b.WriteString("\n\n")
	}
	if req.VoiceCommand != "" {
		b.WriteString("[Voice command]\n")
		b.WriteString(req.VoiceCommand)
		b.WriteString("\n\n")
	}
	if b.Len() > 0 {
		b.WriteString("[Research query]\n")
	}
	b.WriteString(req.Query)

	messages = append(messages, chatMessage{Role: "user", Content: b.String()})
	return messages
}

func (c *Client) chat(ctx context.Context, messages []chatMessage) (*chatResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model:                  c.model,
		Messages:               messages,
		MaxTokens:              maxTokens,
		Temperature:            temperature,
		ReturnCitations:        true,
		ReturnRelatedQuestions: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.doChat(ctx, body)
		if err == nil {
			return resp, nil
		}

		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (c *Client) doChat(ctx context.Context, body []byte) (*chatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &chat, nil
}

func mapSearchResults(in []searchResult) []research.SearchResult {
	out := make([]research.SearchResult, 0, len(in))
	for i, sr := range in {
		lastUpdated := sr.LastUpdated
		if lastUpdated == "" {
			lastUpdated = sr.Date
		}
		out = append(out, research.SearchResult{
			ID:          fmt.Sprintf("search-%d", i+1),
			Title:       sr.Title,
			URL:         sr.URL,
			Snippet:     ExtractText(sr.Snippet),
			LastUpdated: lastUpdated,
		})
	}
	return out
}

// primarySource picks the source label for the i-th result: the matching
// search result when present, then the matching citation, then a generic
// provider label.
func primarySource(resp *chatResponse, i int) string {
	if len(resp.SearchResults) > 0 {
		sr := resp.SearchResults[0]
		if i < len(resp.SearchResults) {
			sr = resp.SearchResults[i]
		}
		if domain := extractDomain(sr.URL); domain != "" {
			return fmt.Sprintf("%s (%s)", sr.Title, domain)
		}
		return sr.Title
	}
	if len(resp.Citations) > 0 {
		citation := resp.Citations[0]
		if i < len(resp.Citations) {
			citation = resp.Citations[i]
		}
		if domain := extractDomain(citation); domain != "" {
			return domain
		}
		return citation
	}
	return fallbackSource
}

func processCitations(citations []string, searchResults []searchResult) []research.Citation {
	out := make([]research.Citation, 0, len(citations))
	for i, citationURL := range citations {
		c := research.Citation{
			ID:     fmt.Sprintf("citation-%d", i+1),
			Number: i + 1,
			URL:    citationURL,
			Domain: extractDomain(citationURL),
		}
		if i < len(searchResults) {
			c.Title = searchResults[i].Title
		}
		out = append(out, c)
	}
	return out
}

func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// relevance scores content against the query by word overlap: the fraction
// of query words (longer than two characters) that appear in the content.
func relevance(query, content string) float64 {
	queryWords := tokenize(query)
	if len(queryWords) == 0 {
		return 0.1
	}

	contentSet := make(map[string]bool)
	for _, w := range tokenize(content) {
		contentSet[w] = true
	}

	matches := 0
	for _, w := range queryWords {
		if contentSet[w] {
			matches++
		}
	}
	return math.Min(float64(matches)/float64(len(queryWords)), 1.0)
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	})
	words := fields[:0]
	for _, w := range fields {
		if len(w) > 2 {
			words = append(words, w)
		}
	}
	return words
}
