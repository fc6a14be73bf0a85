// Package gateway talks to running backends: chat completions over HTTP for
// llama-server, and streamed samples over a websocket for the sherpa
// recognizer.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"modelkeeper/internal/errs"
	"modelkeeper/internal/metrics"
)

const (
	DefaultTemperature      = 0.7
	DefaultMaxTokens        = 512
	DefaultInferenceTimeout = 5 * time.Minute

	bodySnippetBytes = 512
	maxResponseBytes = 8 << 20
)

// endMarkers are end-of-turn tokens some chat templates leak into content.
var endMarkers = []string{"<|im_end|>", "<|end|>", "<|eot_id|>", "</s>", "[end of text]"}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InferenceOptions tunes a completion. Nil Temperature and zero MaxTokens
// take the defaults.
type InferenceOptions struct {
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Timeout     time.Duration `json:"-"`
}

type chatRequest struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// InferenceResult is a completed chat turn.
type InferenceResult struct {
	Text         string        `json:"text"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// Client holds the transports used to reach backends.
type Client struct {
	HTTP *http.Client
	log  zerolog.Logger
}

// NewClient returns a Client. Timeouts come from request contexts.
func NewClient(lg *zerolog.Logger) *Client {
	c := &Client{HTTP: &http.Client{}, log: zerolog.Nop()}
	if lg != nil {
		c.log = lg.With().Str("component", "gateway").Logger()
	}
	return c
}

// Inference posts messages to baseURL's chat completions endpoint.
func (c *Client) Inference(ctx context.Context, baseURL string, msgs []Message, opts InferenceOptions) (res InferenceResult, err error) {
	const op = "inference"
	began := time.Now()
	defer func() {
		metrics.GatewayDuration.WithLabelValues(op, metrics.Result(err)).Observe(time.Since(began).Seconds())
	}()
	if baseURL == "" {
		return InferenceResult{}, errs.E(errs.Unavailable, op, "no text backend running")
	}
	if len(msgs) == 0 {
		return InferenceResult{}, errs.E(errs.Invalid, op, "messages must not be empty")
	}
	body := chatRequest{Messages: msgs, Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	if opts.Temperature != nil {
		body.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		body.MaxTokens = opts.MaxTokens
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultInferenceTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return InferenceResult{}, errs.Wrap(errs.Invalid, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return InferenceResult{}, errs.Wrap(errs.Invalid, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return InferenceResult{}, errs.Wrapf(errs.RequestFailure, op, ctx.Err(), "no response within %s", timeout)
		}
		return InferenceResult{}, errs.Wrap(errs.RequestFailure, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, bodySnippetBytes))
		return InferenceResult{}, errs.Status(errs.RequestFailure, op, resp.StatusCode, string(b))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return InferenceResult{}, errs.Wrapf(errs.RequestFailure, op, err, "read response")
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		e := errs.Wrapf(errs.RequestFailure, op, err, "unparsable response")
		e.Status, e.Body = resp.StatusCode, snippet(raw)
		return InferenceResult{}, e
	}
	if len(parsed.Choices) == 0 {
		e := errs.E(errs.RequestFailure, op, "response has no choices")
		e.Status, e.Body = resp.StatusCode, snippet(raw)
		return InferenceResult{}, e
	}
	res = InferenceResult{
		Text:         CleanCompletion(parsed.Choices[0].Message.Content),
		FinishReason: parsed.Choices[0].FinishReason,
		Elapsed:      time.Since(began),
	}
	c.log.Debug().Dur("elapsed", res.Elapsed).Int("chars", len(res.Text)).Msg("inference done")
	return res, nil
}

func snippet(b []byte) string {
	if len(b) > bodySnippetBytes {
		b = b[:bodySnippetBytes]
	}
	return string(b)
}

// CleanCompletion trims whitespace and trailing end-of-turn markers.
func CleanCompletion(s string) string {
	s = strings.TrimSpace(s)
	for changed := true; changed; {
		changed = false
		for _, m := range endMarkers {
			if len(s) >= len(m) && strings.EqualFold(s[len(s)-len(m):], m) {
				s = strings.TrimSpace(s[:len(s)-len(m)])
				changed = true
			}
		}
	}
	return s
}
