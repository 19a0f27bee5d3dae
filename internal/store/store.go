// Package store implements the Durable Store: the external contract
// the Turn Controller uses to append messages, record per-turn recovery
// rows, and persist compactions.
//
// Two backends implement it: an in-memory store for tests and
// development, and Postgres for durability.
package store

import (
	"context"
	"errors"

	"github.com/manifold/turnengine/internal/turn"
)

// ErrNotFound reports a row that does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the single-writer Durable Store contract. Implementations
// must commit before returning (durability guarantee); the Turn Controller
// tolerates write failures by logging and continuing; it must never lose a
// tool result because of one.
type Store interface {
	// AppendMessage is atomic and returns a monotonically increasing id.
	AppendMessage(ctx context.Context, m turn.Message) (int64, error)
	// UpdateMessageContent is an idempotent overwrite, used to persist the
	// placeholder message in place as text deltas arrive.
	UpdateMessageContent(ctx context.Context, id int64, content string) error
	// FetchMessages returns all messages for a session ordered ascending by id.
	FetchMessages(ctx context.Context, sessionID string) ([]turn.Message, error)
	// FetchMessagesFrom returns messages with id >= firstID ordered ascending.
	FetchMessagesFrom(ctx context.Context, sessionID string, firstID int64) ([]turn.Message, error)

	CreateAgentRun(ctx context.Context, sessionID string) (runID string, err error)
	SetStatus(ctx context.Context, runID string, status turn.RunStatus) error
	SetAssistantContent(ctx context.Context, runID string, contentJSON string) error
	SetTools(ctx context.Context, runID string, pendingToolsJSON string, currentIndex int) error
	SetResults(ctx context.Context, runID string, resultsJSON string) error
	Complete(ctx context.Context, runID string) error
	Fail(ctx context.Context, runID string) error
	// NonTerminalRuns returns every AgentRun for sessionID whose status is
	// not complete/failed, used at startup to fail-forward any run left
	// non-terminal by a crash.
	NonTerminalRuns(ctx context.Context, sessionID string) ([]turn.AgentRun, error)

	LatestCompaction(ctx context.Context, sessionID string) (*turn.Compaction, error)
	CreateCompaction(ctx context.Context, c turn.Compaction) (int64, error)
}
