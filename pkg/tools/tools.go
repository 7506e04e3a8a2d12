// Package tools executes the model-callable functions: memory search and
// append, shell commands, and subagent delegation. Calls run concurrently
// with the audio pipeline; results come back in completion order.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lliWcWill/maVoice-Linux/pkg/live"
	"github.com/lliWcWill/maVoice-Linux/pkg/memory"
)

const (
	runCommandTimeout = 30 * time.Second
	askClaudeTimeout  = 120 * time.Second
	memoryTimeout     = 10 * time.Second

	// stdout/stderr caps for run_command.
	outputLimit = 16 * 1024
)

// MemoryStore is the slice of the memory layer the tools use.
type MemoryStore interface {
	Search(ctx context.Context, query string, limit int) ([]memory.Match, error)
	Remember(ctx context.Context, content string, tags []string) (memory.Record, error)
}

// Result is one finished tool call, ready to return to the model.
type Result struct {
	CallID  string
	Name    string
	OK      bool
	Payload json.RawMessage
	Elapsed time.Duration
	Summary string
}

// Options tune the dispatcher beyond its memory store.
type Options struct {
	// SubagentCommand is the argv prefix invoked for ask_claude, e.g.
	// ["claude", "-p"]. When empty the Anthropic HTTP API is used instead.
	SubagentCommand []string
	// AnthropicAPIKey enables the HTTP fallback for ask_claude.
	AnthropicAPIKey string
	// Shell overrides the interpreter for run_command (default /bin/sh).
	Shell string
}

// Dispatcher owns tool execution for one process. Each call runs on its own
// goroutine under the conversation's context; results are delivered on the
// Results channel in the order calls complete.
type Dispatcher struct {
	mem     MemoryStore
	opts    Options
	log     *log.Logger
	results chan Result
}

// NewDispatcher creates a dispatcher backed by the given memory store.
func NewDispatcher(mem MemoryStore, opts Options, logger *log.Logger) *Dispatcher {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	return &Dispatcher{
		mem:     mem,
		opts:    opts,
		log:     logger,
		results: make(chan Result, 16),
	}
}

// Results delivers finished calls in completion order.
func (d *Dispatcher) Results() <-chan Result { return d.results }

// Dispatch starts a tool call. It returns immediately; the result arrives on
// Results unless ctx is cancelled first, in which case it is discarded.
func (d *Dispatcher) Dispatch(ctx context.Context, call live.ToolCall) {
	go func() {
		start := time.Now()
		data, summary, err := d.run(ctx, call)
		elapsed := time.Since(start)

		if ctx.Err() != nil {
			// Session is gone; the result has nowhere to go.
			d.log.Debug("tool result discarded after cancel", "call", call.ID, "name", call.Name)
			return
		}

		res := Result{
			CallID:  call.ID,
			Name:    call.Name,
			Elapsed: elapsed,
			Summary: summary,
		}
		if err != nil {
			res.OK = false
			res.Payload = encodeResult(false, nil, err.Error(), elapsed)
			res.Summary = err.Error()
		} else {
			res.OK = true
			res.Payload = encodeResult(true, data, "", elapsed)
		}

		select {
		case d.results <- res:
		case <-ctx.Done():
			d.log.Debug("tool result discarded after cancel", "call", call.ID, "name", call.Name)
		}
	}()
}

func (d *Dispatcher) run(ctx context.Context, call live.ToolCall) (any, string, error) {
	switch call.Name {
	case "search_memory":
		return d.searchMemory(ctx, call.Args)
	case "remember":
		return d.remember(ctx, call.Args)
	case "run_command":
		return d.runCommand(ctx, call.Args)
	case "ask_claude":
		return d.askClaude(ctx, call.Args)
	default:
		return nil, "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

func encodeResult(ok bool, data any, errMsg string, elapsed time.Duration) json.RawMessage {
	body := map[string]any{
		"ok":         ok,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if ok {
		body["data"] = data
	} else {
		body["error"] = errMsg
	}
	payload, err := json.Marshal(body)
	if err != nil {
		payload, _ = json.Marshal(map[string]any{"ok": false, "error": "unserialisable tool result"})
	}
	return payload
}

// Declarations returns the four tool schemas for the live setup frame.
func Declarations() []live.ToolDecl {
	return []live.ToolDecl{
		{
			Name:        "search_memory",
			Description: "Full-text search over the assistant's long-term memory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer", "maximum": memory.MaxLimit},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "remember",
			Description: "Store a new memory record for later recall.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{"type": "string"},
					"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"content"},
			},
		},
		{
			Name:        "run_command",
			Description: "Run a shell command on the user's machine and capture its output.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
					"cwd":     map[string]any{"type": "string"},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        "ask_claude",
			Description: "Delegate a question to the Claude subagent and return its answer.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt":  map[string]any{"type": "string"},
					"context": map[string]any{"type": "string"},
				},
				"required": []string{"prompt"},
			},
		},
	}
}
