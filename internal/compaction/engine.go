// Package compaction implements the Compaction Engine: token
// estimation, cut-point selection honoring turn boundaries, summarization
// via a blocking between-turns provider call, file-operation extraction,
// and emission of a durable compaction record.
//
// The cut is persisted once as a compaction row and prompt assembly
// applies it from then on, so the context window shrinks deterministically
// even across restarts.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/manifold/turnengine/internal/config"
	"github.com/manifold/turnengine/internal/provider"
	"github.com/manifold/turnengine/internal/turn"
)

// Store is the Durable Store subset the engine reads and writes.
// internal/store.Store satisfies it.
type Store interface {
	FetchMessages(ctx context.Context, sessionID string) ([]turn.Message, error)
	FetchMessagesFrom(ctx context.Context, sessionID string, firstID int64) ([]turn.Message, error)
	LatestCompaction(ctx context.Context, sessionID string) (*turn.Compaction, error)
	CreateCompaction(ctx context.Context, c turn.Compaction) (int64, error)
}

// Summarizer is the blocking, non-streaming auxiliary call surface;
// provider.Multiplexer satisfies it. The call runs only between turns,
// never while a turn is in flight.
type Summarizer interface {
	Complete(ctx context.Context, descriptor string, msgs []provider.Message, opts provider.RequestOptions) (string, error)
}

// TokenCounts caches per-text token counts. The in-memory TokenCache here
// and the Redis-backed cache in internal/store/cache both satisfy it.
type TokenCounts interface {
	Get(text string) (int, bool)
	Set(text string, count int)
}

// Tokenizer is an optional accurate counter a provider integration may
// supply; when absent (or failing) the engine falls back to the
// ceil(bytes/4) heuristic.
type Tokenizer interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// PlaceholderSummary is written when the summarization call fails, so the
// cut still advances and the context window shrinks deterministically.
const PlaceholderSummary = "Earlier conversation history was compacted; the summary is unavailable."

const summarySystemPrompt = "You summarize an AI coding assistant's conversation so it can continue seamlessly with reduced context. " +
	"Respond in exactly four markdown sections: ## Original Request, ## Key Decisions, ## Work Completed, ## Current State. " +
	"Be specific about file paths, commands, and unresolved problems. Return only the summary."

// fileOps is the details payload recorded alongside a compaction and
// rendered into the summary as <read-files>/<modified-files> blocks.
type fileOps struct {
	Read     []string `json:"read"`
	Modified []string `json:"modified"`
}

// Engine decides and performs compactions for one session stream.
type Engine struct {
	store      Store
	summarizer Summarizer
	descriptor string
	cfg        config.CompactionConfig
	cache      TokenCounts
	tokenizer  Tokenizer
}

// Option tweaks an Engine beyond the required collaborators.
type Option func(*Engine)

// WithTokenCounts installs a token-count cache (in-memory or Redis).
func WithTokenCounts(c TokenCounts) Option { return func(e *Engine) { e.cache = c } }

// WithTokenizer installs an accurate counter; the byte heuristic remains
// the fallback.
func WithTokenizer(t Tokenizer) Option { return func(e *Engine) { e.tokenizer = t } }

func NewEngine(store Store, summarizer Summarizer, descriptor string, cfg config.CompactionConfig, opts ...Option) *Engine {
	e := &Engine{store: store, summarizer: summarizer, descriptor: descriptor, cfg: cfg}
	for _, o := range opts {
		o(e)
	}
	return e
}

// MaybeCompact estimates the live context, and if it
// exceeds the per-model threshold, pick a cut, summarize the prefix, and
// persist one compaction row. Satisfies turn.Compactor.
func (e *Engine) MaybeCompact(ctx context.Context, sessionID string) error {
	if !e.cfg.Enabled {
		return nil
	}
	limit, reserve, keepRecent := e.limits()

	prior, err := e.store.LatestCompaction(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("compaction: latest: %w", err)
	}
	var msgs []turn.Message
	if prior != nil {
		msgs, err = e.store.FetchMessagesFrom(ctx, sessionID, prior.FirstKeptMsgID)
	} else {
		msgs, err = e.store.FetchMessages(ctx, sessionID)
	}
	if err != nil {
		return fmt.Errorf("compaction: fetch: %w", err)
	}

	tokensBefore := e.estimateTotal(ctx, msgs, prior)
	if tokensBefore <= limit-reserve {
		return nil
	}

	cutIdx, ok := e.selectCut(ctx, msgs, keepRecent)
	if !ok {
		log.Debug().Str("session_id", sessionID).Int("tokens", tokensBefore).Msg("compaction_no_viable_cut")
		return nil
	}
	firstKept := msgs[cutIdx].ID
	prefix := msgs[:cutIdx]

	summary := e.summarize(ctx, prior, prefix)
	ops := extractFileOps(prefix)
	summary = appendFileOpBlocks(summary, ops)
	detailsJSON := ""
	if len(ops.Read) > 0 || len(ops.Modified) > 0 {
		if b, err := json.Marshal(ops); err == nil {
			detailsJSON = string(b)
		}
	}

	if _, err := e.store.CreateCompaction(ctx, turn.Compaction{
		SessionID:      sessionID,
		Summary:        summary,
		FirstKeptMsgID: firstKept,
		TokensBefore:   tokensBefore,
		FileOpsJSON:    detailsJSON,
	}); err != nil {
		return fmt.Errorf("compaction: create: %w", err)
	}
	log.Info().
		Str("session_id", sessionID).
		Int64("first_kept_msg_id", firstKept).
		Int("tokens_before", tokensBefore).
		Int("summarized_messages", len(prefix)).
		Msg("compaction_recorded")
	return nil
}

func (e *Engine) limits() (limit, reserve, keepRecent int) {
	return (config.Config{Compaction: e.cfg}).CompactionLimits()
}

// countTokens resolves one text's token count: cache, then the accurate
// tokenizer if present, then the ceil(bytes/4) heuristic.
func (e *Engine) countTokens(ctx context.Context, text string) int {
	if text == "" {
		return 0
	}
	if e.cache != nil {
		if n, ok := e.cache.Get(text); ok {
			return n
		}
	}
	n := 0
	if e.tokenizer != nil {
		if exact, err := e.tokenizer.CountTokens(ctx, text); err == nil && exact > 0 {
			n = exact
		}
	}
	if n == 0 {
		n = (len(text) + 3) / 4
	}
	if e.cache != nil {
		e.cache.Set(text, n)
	}
	return n
}

// messageTokens covers content plus any tool_name/tool_input rendering
// payload, so rendering hints count against the window too.
func (e *Engine) messageTokens(ctx context.Context, m turn.Message) int {
	return e.countTokens(ctx, m.Content) + e.countTokens(ctx, m.ToolName) + e.countTokens(ctx, m.ToolInputJSON)
}

func (e *Engine) estimateTotal(ctx context.Context, msgs []turn.Message, prior *turn.Compaction) int {
	total := 0
	if prior != nil {
		total += e.countTokens(ctx, prior.Summary)
	}
	for _, m := range msgs {
		if m.Ephemeral {
			continue
		}
		total += e.messageTokens(ctx, m)
	}
	return total
}

// selectCut walks the message list from the tail accumulating tokens until
// adding the next older message would exceed keepRecent, then advances the
// candidate forward to the first user-role message so the cut lands on a
// turn boundary. Returns false when the candidate is the first message or
// past the last (nothing worth compacting).
func (e *Engine) selectCut(ctx context.Context, msgs []turn.Message, keepRecent int) (int, bool) {
	if len(msgs) == 0 {
		return 0, false
	}
	acc := 0
	candidate := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		t := e.messageTokens(ctx, msgs[i])
		if acc+t > keepRecent {
			candidate = i + 1
			break
		}
		acc += t
	}
	if candidate <= 0 || candidate >= len(msgs) {
		return 0, false
	}
	for candidate < len(msgs) && msgs[candidate].Role != turn.RoleUser {
		candidate++
	}
	if candidate <= 0 || candidate >= len(msgs) {
		return 0, false
	}
	return candidate, true
}

// summarize performs the blocking auxiliary call. A failure degrades to
// PlaceholderSummary rather than aborting; the cut must advance.
func (e *Engine) summarize(ctx context.Context, prior *turn.Compaction, prefix []turn.Message) string {
	var b strings.Builder
	if prior != nil && prior.Summary != "" {
		b.WriteString("Summary of even earlier conversation:\n")
		b.WriteString(prior.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString("Transcript to summarize:\n\n")
	b.WriteString(renderTranscript(prefix))

	out, err := e.summarizer.Complete(ctx, e.descriptor,
		[]provider.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: b.String()},
		},
		provider.RequestOptions{})
	if err != nil || strings.TrimSpace(out) == "" {
		log.Error().Err(err).Msg("compaction_summary_failed")
		return PlaceholderSummary
	}
	return strings.TrimSpace(out)
}

const transcriptArgLimit = 200

// renderTranscript serializes messages as "[Role]: content" lines, tool
// calls inline with truncated arguments.
func renderTranscript(msgs []turn.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.ToolName != "" {
			args := m.ToolInputJSON
			if len(args) > transcriptArgLimit {
				args = args[:transcriptArgLimit] + "…"
			}
			fmt.Fprintf(&b, "[Tool %s(%s)]: %s\n", m.ToolName, args, m.Content)
			continue
		}
		fmt.Fprintf(&b, "[%s]: %s\n", roleLabel(m.Role), m.Content)
	}
	return b.String()
}

func roleLabel(r turn.Role) string {
	switch r {
	case turn.RoleUser:
		return "User"
	case turn.RoleAssistant:
		return "Assistant"
	case turn.RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// extractFileOps scans the compacted range for read_file/write_file/
// edit_file calls and splits the touched paths into modified
// (written ∪ edited) and read-only (read \ modified).
func extractFileOps(msgs []turn.Message) fileOps {
	read := map[string]bool{}
	modified := map[string]bool{}
	for _, m := range msgs {
		switch m.ToolName {
		case "read_file", "write_file", "edit_file":
		default:
			continue
		}
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal([]byte(m.ToolInputJSON), &args); err != nil || args.Path == "" {
			continue
		}
		if m.ToolName == "read_file" {
			read[args.Path] = true
		} else {
			modified[args.Path] = true
		}
	}
	var ops fileOps
	for p := range read {
		if !modified[p] {
			ops.Read = append(ops.Read, p)
		}
	}
	for p := range modified {
		ops.Modified = append(ops.Modified, p)
	}
	sort.Strings(ops.Read)
	sort.Strings(ops.Modified)
	return ops
}

func appendFileOpBlocks(summary string, ops fileOps) string {
	if len(ops.Read) == 0 && len(ops.Modified) == 0 {
		return summary
	}
	var b strings.Builder
	b.WriteString(summary)
	if len(ops.Read) > 0 {
		b.WriteString("\n\n<read-files>\n")
		b.WriteString(strings.Join(ops.Read, "\n"))
		b.WriteString("\n</read-files>")
	}
	if len(ops.Modified) > 0 {
		b.WriteString("\n\n<modified-files>\n")
		b.WriteString(strings.Join(ops.Modified, "\n"))
		b.WriteString("\n</modified-files>")
	}
	return b.String()
}
