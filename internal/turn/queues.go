package turn

import "sync"

// DrainMode selects how a FIFO is consumed at its trigger site.
type DrainMode int

const (
	DrainAll DrainMode = iota
	DrainOne
)

// fifo is a plain mutex-guarded slice. The queues are small and bounded
// by typing speed, so a channel would be more machinery than the job
// needs.
type fifo struct {
	mu   sync.Mutex
	mode DrainMode
	msgs []string
}

func newFIFO(mode DrainMode) *fifo {
	return &fifo{mode: mode}
}

func (f *fifo) push(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

// drain consumes according to mode: DrainAll empties the queue and returns
// everything; DrainOne pops at most the head element.
func (f *fifo) drain() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return nil
	}
	switch f.mode {
	case DrainOne:
		head := f.msgs[0]
		f.msgs = f.msgs[1:]
		return []string{head}
	default:
		out := f.msgs
		f.msgs = nil
		return out
	}
}

func (f *fifo) empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs) == 0
}

func (f *fifo) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = nil
}

// SteeringQueues bundles the two FIFOs the Turn Controller owns: steering
// messages are inspected after every tool completion, follow-ups at
// the turn terminates.
type SteeringQueues struct {
	steerQ    *fifo
	followUpQ *fifo
}

// NewSteeringQueues builds both queues with the given drain modes. Callers
// that don't care pass DrainAll for both, matching the default
// "steer(msg) appends ... by default to the steering queue" framing.
func NewSteeringQueues(steerMode, followUpMode DrainMode) *SteeringQueues {
	return &SteeringQueues{
		steerQ:    newFIFO(steerMode),
		followUpQ: newFIFO(followUpMode),
	}
}

// Steer appends a user message to the steering queue, the default route
// for input received while a turn is active.
func (q *SteeringQueues) Steer(msg string) { q.steerQ.push(msg) }

// FollowUp appends to the follow-up queue (deferred until the turn ends).
func (q *SteeringQueues) FollowUp(msg string) { q.followUpQ.push(msg) }

// DrainSteer consumes the steering queue per its mode, inspected after
// every tool completion.
func (q *SteeringQueues) DrainSteer() []string { return q.steerQ.drain() }

// DrainFollowUp consumes the follow-up queue per its mode, inspected at
// Terminating.
func (q *SteeringQueues) DrainFollowUp() []string { return q.followUpQ.drain() }

// SteerEmpty reports whether the steering queue currently has no messages.
func (q *SteeringQueues) SteerEmpty() bool { return q.steerQ.empty() }

// FollowUpEmpty reports whether the follow-up queue currently has no
// messages.
func (q *SteeringQueues) FollowUpEmpty() bool { return q.followUpQ.empty() }

// ClearAll drops both queues. Used on cancellation.
func (q *SteeringQueues) ClearAll() {
	q.steerQ.clear()
	q.followUpQ.clear()
}
