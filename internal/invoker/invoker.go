// Package invoker provides the uniform agent-call capability: every phase
// and drafting step goes through Invoker.Call, which wraps the completion
// provider with retry, backoff, and token-limit adaptation.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fablecraft/orchestrator/internal/config"
	"github.com/fablecraft/orchestrator/internal/domain"
	"github.com/fablecraft/orchestrator/internal/llm"
)

// Completer is the text-generation collaborator contract.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// PromptContext is one agent call's assembled context.
type PromptContext struct {
	Role      domain.AgentRole
	System    string
	User      string
	Model     domain.ModelConfig
	MaxTokens int // 0 = provider default
}

// Invoker calls agents against the completion provider. It caches
// discovered per-model token limits so a token-limit failure is not
// repeated for every later call on the same model.
type Invoker struct {
	client Completer
	cfg    config.Pipeline

	mu          sync.Mutex
	tokenLimits map[string]int
}

// New creates an invoker.
func New(client Completer, cfg config.Pipeline) *Invoker {
	return &Invoker{
		client:      client,
		cfg:         cfg,
		tokenLimits: make(map[string]int),
	}
}

// Call invokes one agent and returns its raw text output. Transient
// provider errors (rate limit, 5xx, timeout, token limit) are retried with
// exponential backoff up to the configured attempt count; token-limit
// errors additionally reduce the requested output length before retrying.
func (inv *Invoker) Call(ctx context.Context, pc PromptContext) (string, error) {
	maxTokens := pc.MaxTokens
	if limit := inv.cachedLimit(pc.Model.Model); limit > 0 && (maxTokens == 0 || maxTokens > limit) {
		maxTokens = limit
	}

	var lastErr error
	for attempt := 1; attempt <= inv.cfg.MaxAttempts; attempt++ {
		req := llm.Request{
			Model: pc.Model.Model,
			Messages: []llm.ChatMessage{
				{Role: "system", Content: pc.System},
				{Role: "user", Content: pc.User},
			},
		}
		if pc.Model.Temperature > 0 {
			t := pc.Model.Temperature
			req.Temperature = &t
		}
		if maxTokens > 0 {
			mt := maxTokens
			req.MaxTokens = &mt
		}

		text, err := inv.client.Complete(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !llm.IsTransient(err) {
			return "", fmt.Errorf("agent %s call failed: %w", pc.Role, err)
		}

		if llm.IsTokenLimit(err) {
			maxTokens = inv.adaptTokenLimit(pc.Model.Model, maxTokens, err)
			log.Printf("WARN: token limit hit for model %s, retrying with max_tokens=%d", pc.Model.Model, maxTokens)
		}

		if attempt < inv.cfg.MaxAttempts {
			delay := backoffDelay(attempt, inv.cfg.InitialBackoff(), inv.cfg.MaxBackoff())
			log.Printf("WARN: agent %s attempt %d/%d failed (%v), retrying in %s", pc.Role, attempt, inv.cfg.MaxAttempts, err, delay)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return "", fmt.Errorf("agent %s exhausted %d attempts: %w", pc.Role, inv.cfg.MaxAttempts, lastErr)
}

// CallJSON invokes an agent that must return structured output and decodes
// it into out. An unparsable response is retried once with a corrective
// re-prompt; a second failure is a content-shape error and fails the call.
func (inv *Invoker) CallJSON(ctx context.Context, pc PromptContext, out interface{}) error {
	text, err := inv.Call(ctx, pc)
	if err != nil {
		return err
	}
	if err := decodeJSON(text, out); err == nil {
		return nil
	}

	corrective := pc
	corrective.User = pc.User + "\n\nYour previous reply was not valid JSON. Reply with ONLY the JSON object, no prose, no code fences."
	text, err = inv.Call(ctx, corrective)
	if err != nil {
		return err
	}
	if err := decodeJSON(text, out); err != nil {
		return fmt.Errorf("agent %s returned unparsable output after corrective re-prompt: %w", pc.Role, err)
	}
	return nil
}

func (inv *Invoker) cachedLimit(model string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.tokenLimits[model]
}

// adaptTokenLimit lowers the requested output length after a token-limit
// error and caches the result per model. If the provider reported its
// limit, use it directly; otherwise halve the current request.
func (inv *Invoker) adaptTokenLimit(model string, current int, err error) int {
	next := llm.TokenLimitFromError(err)
	if next == 0 {
		if current == 0 {
			next = 4096
		} else {
			next = current / 2
		}
	}
	if next < 256 {
		next = 256
	}
	inv.mu.Lock()
	inv.tokenLimits[model] = next
	inv.mu.Unlock()
	return next
}

// decodeJSON unmarshals model output, tolerating markdown code fences and
// leading prose before the first brace.
func decodeJSON(text string, out interface{}) error {
	t := strings.TrimSpace(text)
	if i := strings.Index(t, "```"); i >= 0 {
		t = t[i+3:]
		t = strings.TrimPrefix(t, "json")
		if j := strings.Index(t, "```"); j >= 0 {
			t = t[:j]
		}
	}
	t = strings.TrimSpace(t)
	if i := strings.IndexAny(t, "{["); i > 0 {
		t = t[i:]
	}
	return json.Unmarshal([]byte(t), out)
}
