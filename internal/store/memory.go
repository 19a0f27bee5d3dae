package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/manifold/turnengine/internal/turn"
)

// MemoryStore is an in-process Store: a single mutex guarding plain maps,
// ids minted with uuid.NewString for runs and a monotonic counter for
// messages (message ordering needs a strictly increasing integer id, not
// a uuid).
type MemoryStore struct {
	mu sync.Mutex

	nextMsgID int64
	messages  map[string][]turn.Message // sessionID -> ordered messages

	runs map[string]turn.AgentRun

	nextCompactionID int64
	compactions      map[string][]turn.Compaction // sessionID -> ordered compactions
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:    map[string][]turn.Message{},
		runs:        map[string]turn.AgentRun{},
		compactions: map[string][]turn.Compaction{},
	}
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m turn.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsgID++
	m.ID = s.nextMsgID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	log.Debug().Int64("message_id", m.ID).Str("session_id", m.SessionID).Str("role", string(m.Role)).Msg("store_append_message")
	return m.ID, nil
}

func (s *MemoryStore) UpdateMessageContent(ctx context.Context, id int64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionID, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				msgs[i].Content = content
				s.messages[sessionID] = msgs
				return nil
			}
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) FetchMessages(ctx context.Context, sessionID string) ([]turn.Message, error) {
	return s.FetchMessagesFrom(ctx, sessionID, 0)
}

func (s *MemoryStore) FetchMessagesFrom(ctx context.Context, sessionID string, firstID int64) ([]turn.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.messages[sessionID]
	out := make([]turn.Message, 0, len(src))
	for _, m := range src {
		if m.ID >= firstID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateAgentRun(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.runs[id] = turn.AgentRun{RunID: id, SessionID: sessionID, Status: turn.RunStreaming}
	return id, nil
}

func (s *MemoryStore) withRun(runID string, fn func(r *turn.AgentRun) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&r); err != nil {
		return err
	}
	s.runs[runID] = r
	return nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, runID string, status turn.RunStatus) error {
	return s.withRun(runID, func(r *turn.AgentRun) error { r.Status = status; return nil })
}

func (s *MemoryStore) SetAssistantContent(ctx context.Context, runID string, contentJSON string) error {
	return s.withRun(runID, func(r *turn.AgentRun) error { r.AssistantContent = contentJSON; return nil })
}

func (s *MemoryStore) SetTools(ctx context.Context, runID string, pendingToolsJSON string, currentIndex int) error {
	return s.withRun(runID, func(r *turn.AgentRun) error {
		r.PendingToolsJSON = pendingToolsJSON
		r.CurrentToolIdx = currentIndex
		return nil
	})
}

func (s *MemoryStore) SetResults(ctx context.Context, runID string, resultsJSON string) error {
	return s.withRun(runID, func(r *turn.AgentRun) error { r.ToolResultsJSON = resultsJSON; return nil })
}

func (s *MemoryStore) Complete(ctx context.Context, runID string) error {
	return s.withRun(runID, func(r *turn.AgentRun) error { r.Status = turn.RunComplete; return nil })
}

func (s *MemoryStore) Fail(ctx context.Context, runID string) error {
	return s.withRun(runID, func(r *turn.AgentRun) error { r.Status = turn.RunFailed; return nil })
}

func (s *MemoryStore) NonTerminalRuns(ctx context.Context, sessionID string) ([]turn.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []turn.AgentRun
	for _, r := range s.runs {
		if r.SessionID != sessionID {
			continue
		}
		if r.Status == turn.RunComplete || r.Status == turn.RunFailed {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) LatestCompaction(ctx context.Context, sessionID string) (*turn.Compaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.compactions[sessionID]
	if len(list) == 0 {
		return nil, nil
	}
	c := list[len(list)-1]
	return &c, nil
}

func (s *MemoryStore) CreateCompaction(ctx context.Context, c turn.Compaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCompactionID++
	c.ID = s.nextCompactionID
	s.compactions[c.SessionID] = append(s.compactions[c.SessionID], c)
	return c.ID, nil
}
