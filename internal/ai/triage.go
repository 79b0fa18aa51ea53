// Package ai summarizes task failures with Claude so the checkpoint log
// carries a readable cause next to the raw exit code.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
)

// DefaultModel is the model used for failure triage. Summaries are short
// and frequent, so the small model is enough.
const DefaultModel = "claude-3-5-haiku-20241022"

// maxOutputChars bounds the log excerpt sent with a triage request
const maxOutputChars = 6000

// Config holds triage configuration
type Config struct {
	APIKey string      // Anthropic API key (if empty, reads from ANTHROPIC_API_KEY env var)
	Model  string      // Model to use (default: DefaultModel)
	Retry  RetryConfig // Retry configuration (uses defaults if not specified)
	Logger *slog.Logger
}

// Failure describes one failed stage of a work item
type Failure struct {
	ItemID   string
	Title    string
	Stage    string // execute, ci, review, merge
	ExitCode int
	Output   string // tail of the task log
}

// completeFunc sends a prompt and returns the text reply
type completeFunc func(ctx context.Context, prompt string) (string, error)

// Triage produces one-paragraph failure summaries
type Triage struct {
	complete       completeFunc
	model          string
	retry          RetryConfig
	circuitBreaker *CircuitBreaker
	concurrencySem *semaphore.Weighted
	logger         *slog.Logger
}

// NewTriage creates a triage client backed by the Anthropic API
func NewTriage(cfg *Config) (*Triage, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	complete := func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: 512,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return "", err
		}
		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return text.String(), nil
	}
	return newTriage(cfg, model, complete), nil
}

func newTriage(cfg *Config, model string, complete completeFunc) *Triage {
	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Triage{
		complete: complete,
		model:    model,
		retry:    retry,
		logger:   logger,
	}
	if retry.CircuitBreakerEnabled {
		t.circuitBreaker = NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
	}
	if retry.MaxConcurrentCalls > 0 {
		t.concurrencySem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}
	return t
}

// Model returns the model used for summaries
func (t *Triage) Model() string {
	return t.model
}

// SummarizeFailure asks for a short diagnosis of a failed stage
func (t *Triage) SummarizeFailure(ctx context.Context, f Failure) (string, error) {
	prompt := buildFailurePrompt(f)
	var summary string
	err := t.withRetry(ctx, "failure-triage", func(attemptCtx context.Context) error {
		text, err := t.complete(attemptCtx, prompt)
		if err != nil {
			return err
		}
		summary = strings.TrimSpace(text)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}
	if summary == "" {
		return "", fmt.Errorf("empty triage response")
	}
	return summary, nil
}

func buildFailurePrompt(f Failure) string {
	output := f.Output
	if len(output) > maxOutputChars {
		output = "[... earlier output truncated ...]\n" + output[len(output)-maxOutputChars:]
	}
	return fmt.Sprintf(`A coding agent was working on issue #%s (%s).
The %s stage failed with exit code %d.

Last lines of the log:
%s

In at most three sentences, state the most likely cause and what a human
should check first. Do not repeat the log.`, f.ItemID, f.Title, f.Stage, f.ExitCode, output)
}
