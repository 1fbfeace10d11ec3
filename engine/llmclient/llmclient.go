// Package llmclient implements the LLM Client (spec.md §4.8): an adapter
// over a remote language-model service with three interchangeable modes
// sharing one call contract, so agents cannot tell which mode ran except
// via observable latency.
package llmclient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tmc/langchaingo/llms"

	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
)

// Mode selects how Client.Call is served (spec.md §4.8).
type Mode string

const (
	ModeLive     Mode = "live"
	ModeLogOnly  Mode = "log-only"
	ModeTemplate Mode = "template"
)

// Request is the shared call contract every mode serves.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	// Domain keys template-mode rule selection and is echoed into the
	// log-only prompt artifact for traceability.
	Domain string
	// Schema, if non-nil, is the JSON schema the caller expects the
	// structured response to satisfy; modes that cannot honor it (log-only,
	// template) still return a minimally valid document.
	Schema map[string]any
}

// Response is the shared return contract every mode produces.
type Response struct {
	Raw        string
	Structured map[string]any
}

// Client is the LLM Client.
type Client struct {
	mode        Mode
	provider    *ProviderConfig
	promptLog   string
	timeout     time.Duration
	retryBudget int
	model       llms.Model // lazily created in live mode
}

// Options configures a Client.
type Options struct {
	Mode        Mode
	Provider    *ProviderConfig
	PromptLogPath string
	Timeout     time.Duration
	RetryBudget int
}

// New builds a Client in the requested mode.
func New(opts Options) *Client {
	return &Client{
		mode:        opts.Mode,
		provider:    opts.Provider,
		promptLog:   opts.PromptLogPath,
		timeout:     opts.Timeout,
		retryBudget: opts.RetryBudget,
	}
}

// Call dispatches to the configured mode. Network/model failures are
// wrapped as core.ErrModel and retried up to retryBudget times before the
// stage sees them (spec.md §7: ModelError → bounded retry, default 2, then
// fatal to the stage).
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	switch c.mode {
	case ModeLive:
		return c.callLive(ctx, req)
	case ModeLogOnly:
		return c.callLogOnly(req)
	case ModeTemplate:
		return c.callTemplate(req)
	default:
		return Response{}, core.NewError(fmt.Errorf("unknown LLM client mode %q", c.mode), core.ErrModel, "llm_call", nil)
	}
}

func (c *Client) callLive(ctx context.Context, req Request) (Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.model == nil {
		model, err := c.provider.CreateLLM()
		if err != nil {
			return Response{}, core.NewError(err, core.ErrModel, "llm_call", nil)
		}
		c.model = model
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, req.UserPrompt),
	}

	var resp *llms.ContentResponse
	err := retry.Do(ctx, retry.WithMaxRetries(uint64(c.retryBudget), retry.NewConstant(200*time.Millisecond)),
		func(ctx context.Context) error {
			r, err := c.model.GenerateContent(ctx, messages)
			if err != nil {
				return retry.RetryableError(err)
			}
			resp = r
			return nil
		})
	if err != nil {
		return Response{}, core.NewError(err, core.ErrModel, "llm_call", map[string]any{"provider": c.provider.Provider})
	}
	if len(resp.Choices) == 0 {
		return Response{}, core.NewError(fmt.Errorf("model returned no choices"), core.ErrModel, "llm_call", nil)
	}
	raw := resp.Choices[0].Content
	structured, err := decodeStructured(raw, req.Schema)
	if err != nil {
		return Response{}, core.NewError(err, core.ErrSchemaViolation, "llm_call", nil)
	}
	return Response{Raw: raw, Structured: structured}, nil
}

// callLogOnly constructs the prompt, appends it to the prompt log, and
// returns a canned minimal structure (spec.md §4.8).
func (c *Client) callLogOnly(req Request) (Response, error) {
	if c.promptLog != "" {
		if err := appendPromptLog(c.promptLog, req); err != nil {
			return Response{}, core.NewError(err, core.ErrModel, "llm_call_log_only", nil)
		}
	}
	return Response{Raw: "", Structured: cannedStructure(req.Schema)}, nil
}

func appendPromptLog(path string, req Request) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating prompt log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening prompt log %q: %w", path, err)
	}
	defer f.Close()
	entry := fmt.Sprintf(
		"---\ndomain: %s\ntimestamp: %s\nsystem:\n%s\nuser:\n%s\n",
		req.Domain, time.Now().UTC().Format(time.RFC3339), req.SystemPrompt, req.UserPrompt,
	)
	_, err = f.WriteString(entry)
	return err
}

func cannedStructure(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{}
	}
	props, _ := schema["properties"].(map[string]any)
	out := make(map[string]any, len(props))
	for name := range props {
		out[name] = nil
	}
	return out
}
