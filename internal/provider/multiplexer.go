package provider

import (
	"context"
	"fmt"
	"strings"
)

// DefaultDescriptor is used when SMITHERS_MODEL is unset or names an
// unrecognized provider token.
const DefaultDescriptor = "anthropic/claude-sonnet-4-20250514"

// Descriptor is a parsed "provider/model-id" string.
type Descriptor struct {
	Provider string
	Model    string
}

// ParseDescriptor splits a "provider/model-id" string. Unknown or malformed
// provider tokens fall back to DefaultDescriptor silently.
func ParseDescriptor(s string) Descriptor {
	s = strings.TrimSpace(s)
	if s == "" {
		return mustParse(DefaultDescriptor)
	}
	idx := strings.Index(s, "/")
	if idx <= 0 || idx == len(s)-1 {
		return mustParse(DefaultDescriptor)
	}
	prov := s[:idx]
	switch prov {
	case "anthropic", "openai", "google":
		return Descriptor{Provider: prov, Model: s[idx+1:]}
	default:
		return mustParse(DefaultDescriptor)
	}
}

func mustParse(s string) Descriptor {
	idx := strings.Index(s, "/")
	return Descriptor{Provider: s[:idx], Model: s[idx+1:]}
}

// Multiplexer selects a Driver by model descriptor and exposes the same
// start/poll/cleanup surface regardless of which vendor backs it.
type Multiplexer struct {
	drivers map[string]Driver
	keys    map[string]string // provider -> api key
}

// NewMultiplexer wires the three vendor drivers behind one dispatch table.
// A nil driver, or an empty key in keys, leaves that provider unconfigured;
// Start on it fails with a Configuration-kind error.
func NewMultiplexer(anthropic, openai, google Driver, keys map[string]string) *Multiplexer {
	return &Multiplexer{
		drivers: map[string]Driver{
			"anthropic": anthropic,
			"openai":    openai,
			"google":    google,
		},
		keys: keys,
	}
}

// ConfiguredDriver reports whether descriptor resolves to a driver with a
// non-empty credential, without starting any I/O. The Turn Controller calls
// this ahead of emitting any streaming-turn events so a missing API key
// fails the AgentRun before a streaming round ever starts, distinct
// from a driver.Start failure (a Transport error, which happens after the
// placeholder and AgentStart/TurnStart events are already emitted).
func (m *Multiplexer) ConfiguredDriver(descriptor string) error {
	_, _, err := m.driverFor(ParseDescriptor(descriptor))
	return err
}

func (m *Multiplexer) driverFor(desc Descriptor) (Driver, string, error) {
	d, ok := m.drivers[desc.Provider]
	if !ok || d == nil {
		return nil, "", fmt.Errorf("provider %q is not configured", desc.Provider)
	}
	key := m.keys[desc.Provider]
	if key == "" {
		return nil, "", fmt.Errorf("missing API key for provider %q", desc.Provider)
	}
	return d, key, nil
}

// Start resolves the descriptor to a driver and begins a streamed call.
func (m *Multiplexer) Start(ctx context.Context, descriptor string, msgs []Message, tools []ToolSchema, opts RequestOptions) (Driver, StreamState, error) {
	desc := ParseDescriptor(descriptor)
	opts.Model = desc.Model
	d, key, err := m.driverFor(desc)
	if err != nil {
		return nil, nil, err
	}
	state, err := d.Start(ctx, key, msgs, tools, opts)
	if err != nil {
		return d, nil, err
	}
	return d, state, nil
}

// Complete resolves the descriptor and performs one blocking, non-streaming
// call, returning the assistant text. Used for auxiliary calls that run
// between turns (compaction summarization), never on the tick path.
func (m *Multiplexer) Complete(ctx context.Context, descriptor string, msgs []Message, opts RequestOptions) (string, error) {
	desc := ParseDescriptor(descriptor)
	opts.Model = desc.Model
	d, key, err := m.driverFor(desc)
	if err != nil {
		return "", err
	}
	return d.Complete(ctx, key, msgs, opts)
}
