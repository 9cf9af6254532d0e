package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

const maxResponseBytes = 8 << 20

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Headers    map[string]string
	HTTPClient *http.Client
}

// HTTPClient talks to an OpenAI-compatible /chat/completions endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	headers map[string]string
	hc      *http.Client
}

func New(opts Options) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, errors.Errorf("invalid provider base url %q", opts.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPClient{
		baseURL: base,
		apiKey:  opts.APIKey,
		timeout: opts.Timeout,
		headers: opts.Headers,
		hc:      hc,
	}, nil
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *HTTPClient) Complete(ctx context.Context, model string, msgs []Message, params map[string]any) (*Completion, error) {
	reqBody := make(map[string]any, len(params)+2)
	for k, v := range params {
		reqBody[k] = v
	}
	reqBody["model"] = model
	reqBody["messages"] = msgs
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "encoding completion request")
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "building completion request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, c.classifyTransportErr(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.classifyTransportErr(ctx, callCtx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, errors.Wrap(err, "decoding completion response")
	}
	// Some gateways report upstream failures inside a 200 body.
	if chat.Error != nil {
		if code := errorCode(chat.Error.Code); code > 0 {
			return nil, &StatusError{Status: code, Body: chat.Error.Message}
		}
		return nil, errors.Errorf("provider error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}

	return &Completion{
		Text:  chat.Choices[0].Message.Content,
		Raw:   json.RawMessage(raw),
		Usage: chat.Usage,
	}, nil
}

// classifyTransportErr turns a per-call timeout into a transient 504 so the
// retry layer treats it like a gateway timeout. Cancellation of the parent
// context is passed through.
func (c *HTTPClient) classifyTransportErr(parent, call context.Context, err error) error {
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		return &StatusError{
			Status: http.StatusGatewayTimeout,
			Err:    errors.Errorf("request timed out after %s", c.timeout),
		}
	}
	return errors.Wrap(err, "sending completion request")
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func errorCode(v any) int {
	switch c := v.(type) {
	case float64:
		return int(c)
	case string:
		n, err := strconv.Atoi(c)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
