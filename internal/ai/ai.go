// Package ai defines the boundary to the external assistant service. The
// hub hands it a query and drains a chunk channel; generation itself runs
// elsewhere. A deterministic stub ships for development and tests.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
)

// Assistant handles understood in message mentions.
const (
	WayneAI      = "wayneAI"
	ConsultingAI = "consultingAI"
)

// KnownAssistants maps handle → display name.
var KnownAssistants = map[string]string{
	WayneAI:      "Wayne AI",
	ConsultingAI: "Consulting AI",
}

var ErrUnknownAssistant = errors.New("ai: unknown assistant")

// Usage arrives with the final chunk and feeds message metadata.
type Usage struct {
	CompletionTokens int   `json:"completionTokens"`
	TotalTokens      int   `json:"totalTokens"`
	GenerationTimeMS int64 `json:"generationTime"`
}

// Chunk is one unit of a streamed response. Exactly one of the terminal
// fields is set on the last chunk: Final on success, Err on failure. The
// provider closes the channel after the terminal chunk.
type Chunk struct {
	Content     string
	IsCodeBlock bool
	Final       *Usage
	Err         error
}

// Request is one assistant invocation.
type Request struct {
	AIType string
	Query  string
}

// Provider streams an assistant response. The returned channel is closed
// by the provider; cancelling ctx stops the stream early.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// NewProvider picks the configured provider. Only the stub ships in this
// repository; the production service is wired by deployment.
func NewProvider(cfg *config.Config, logger zerolog.Logger) Provider {
	switch cfg.AIProvider {
	case "", "stub":
		return NewStub()
	default:
		logger.Warn().Str("provider", cfg.AIProvider).
			Msg("Unknown AI provider, falling back to stub")
		return NewStub()
	}
}

// ExtractMentions returns the known assistant handles referenced in the
// content, in first-appearance order, without duplicates.
func ExtractMentions(content string) []string {
	var out []string
	seen := make(map[string]bool)
	for i := 0; i < len(content); i++ {
		if content[i] != '@' {
			continue
		}
		rest := content[i+1:]
		for handle := range KnownAssistants {
			if strings.HasPrefix(rest, handle) && !isHandleChar(rest, len(handle)) && !seen[handle] {
				seen[handle] = true
				out = append(out, handle)
			}
		}
	}
	return out
}

// isHandleChar reports whether rest[idx] continues a mention word, which
// would make the prefix a different handle.
func isHandleChar(rest string, idx int) bool {
	if idx >= len(rest) {
		return false
	}
	c := rest[idx]
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// StripMention removes the assistant's mention from the content, leaving
// the bare query.
func StripMention(content, handle string) string {
	stripped := strings.ReplaceAll(content, "@"+handle, "")
	return strings.Join(strings.Fields(stripped), " ")
}

// StubProvider streams a canned, deterministic response. Delay paces the
// chunks so streaming UI paths are exercised; zero means no pacing.
type StubProvider struct {
	Delay time.Duration
}

func NewStub() *StubProvider {
	return &StubProvider{Delay: 25 * time.Millisecond}
}

func (p *StubProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	name, ok := KnownAssistants[req.AIType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAssistant, req.AIType)
	}
	query := strings.TrimSpace(req.Query)
	script := buildScript(name, req.AIType, query)

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		started := time.Now()
		var sent int
		for _, part := range script {
			if p.Delay > 0 {
				t := time.NewTimer(p.Delay)
				select {
				case <-ctx.Done():
					t.Stop()
					ch <- Chunk{Err: ctx.Err()}
					return
				case <-t.C:
				}
			} else if ctx.Err() != nil {
				ch <- Chunk{Err: ctx.Err()}
				return
			}
			select {
			case ch <- part:
				sent++
			case <-ctx.Done():
				ch <- Chunk{Err: ctx.Err()}
				return
			}
		}
		ch <- Chunk{Final: &Usage{
			CompletionTokens: sent,
			TotalTokens:      sent + len(strings.Fields(query)),
			GenerationTimeMS: time.Since(started).Milliseconds(),
		}}
	}()
	return ch, nil
}

// buildScript splits a canned answer into word chunks, with a code block
// for the developer persona.
func buildScript(name, aiType, query string) []Chunk {
	intro := fmt.Sprintf("%s here. Regarding %q: ", name, query)
	body := "this is a canned development response streamed chunk by chunk. "
	var parts []Chunk
	for _, w := range strings.Fields(intro + body) {
		parts = append(parts, Chunk{Content: w + " "})
	}
	if aiType == WayneAI {
		parts = append(parts, Chunk{Content: "```go\n", IsCodeBlock: true})
		parts = append(parts, Chunk{Content: "fmt.Println(\"hello\")\n", IsCodeBlock: true})
		parts = append(parts, Chunk{Content: "```\n", IsCodeBlock: true})
	}
	return parts
}
