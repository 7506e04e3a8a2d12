package tools

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/lliWcWill/maVoice-Linux/pkg/live"
	"github.com/lliWcWill/maVoice-Linux/pkg/memory"
)

type mockStore struct {
	matches  []memory.Match
	searched string
	record   memory.Record
	content  string
	tags     []string
	err      error
}

func (m *mockStore) Search(ctx context.Context, query string, limit int) ([]memory.Match, error) {
	m.searched = query
	return m.matches, m.err
}

func (m *mockStore) Remember(ctx context.Context, content string, tags []string) (memory.Record, error) {
	m.content = content
	m.tags = tags
	return m.record, m.err
}

func newTestDispatcher(mem MemoryStore, opts Options) *Dispatcher {
	return NewDispatcher(mem, opts, log.New(io.Discard))
}

func awaitResult(t *testing.T, d *Dispatcher) Result {
	t.Helper()
	select {
	case res := <-d.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no tool result")
		return Result{}
	}
}

func decodePayload(t *testing.T, res Result) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Payload, &body))
	return body
}

func TestRunCommandCapturesOutput(t *testing.T) {
	d := newTestDispatcher(&mockStore{}, Options{})
	d.Dispatch(context.Background(), live.ToolCall{
		ID:   "t1",
		Name: "run_command",
		Args: json.RawMessage(`{"command":"echo hi"}`),
	})

	res := awaitResult(t, d)
	require.Equal(t, "t1", res.CallID)
	require.True(t, res.OK)

	body := decodePayload(t, res)
	require.Equal(t, true, body["ok"])
	data := body["data"].(map[string]any)
	require.Equal(t, "hi\n", data["stdout"])
	require.EqualValues(t, 0, data["exit_code"])
	require.Equal(t, false, data["timed_out"])
}

func TestRunCommandNonZeroExit(t *testing.T) {
	d := newTestDispatcher(&mockStore{}, Options{})
	d.Dispatch(context.Background(), live.ToolCall{
		ID:   "t2",
		Name: "run_command",
		Args: json.RawMessage(`{"command":"echo oops >&2; exit 3"}`),
	})

	res := awaitResult(t, d)
	require.True(t, res.OK) // a failing command is still a successful tool call
	data := decodePayload(t, res)["data"].(map[string]any)
	require.EqualValues(t, 3, data["exit_code"])
	require.Equal(t, "oops\n", data["stderr"])
}

func TestRunCommandTruncatesOutput(t *testing.T) {
	d := newTestDispatcher(&mockStore{}, Options{})
	d.Dispatch(context.Background(), live.ToolCall{
		ID:   "t3",
		Name: "run_command",
		Args: json.RawMessage(`{"command":"head -c 40000 /dev/zero | tr '\\0' 'x'"}`),
	})

	res := awaitResult(t, d)
	data := decodePayload(t, res)["data"].(map[string]any)
	require.Len(t, data["stdout"], outputLimit)
}

func TestRunCommandHonoursCwd(t *testing.T) {
	dir := t.TempDir()
	d := newTestDispatcher(&mockStore{}, Options{})
	d.Dispatch(context.Background(), live.ToolCall{
		ID:   "t4",
		Name: "run_command",
		Args: json.RawMessage(`{"command":"pwd","cwd":"` + dir + `"}`),
	})

	res := awaitResult(t, d)
	data := decodePayload(t, res)["data"].(map[string]any)
	require.Contains(t, data["stdout"].(string), dir)
}

func TestRunCommandMissingCommand(t *testing.T) {
	d := newTestDispatcher(&mockStore{}, Options{})
	d.Dispatch(context.Background(), live.ToolCall{
		ID:   "t5",
		Name: "run_command",
		Args: json.RawMessage(`{}`),
	})

	res := awaitResult(t, d)
	require.False(t, res.OK)
	body := decodePayload(t, res)
	require.Equal(t, false, body["ok"])
	require.Contains(t, body["error"], "command is required")
}

func TestSearchMemoryTool(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &mockStore{matches: []memory.Match{
		{ID: "m1", Score: 0.9, Snippet: "coffee notes", CreatedAt: created},
	}}
	d := newTestDispatcher(store, Options{})
	d.Dispatch(context.Background(), live.ToolCall{
		ID:   "t6",
		Name: "search_memory",
		Args: json.RawMessage(`{"query":"coffee","limit":5}`),
	})

	res := awaitResult(t, d)
	require.True(t, res.OK)
	require.Equal(t, "coffee", store.searched)

	data := decodePayload(t, res)["data"].(map[string]any)
	matches := data["matches"].([]any)
	require.Len(t, matches, 1)
	first := matches[0].(map[string]any)
	require.Equal(t, "m1", first["id"])
	require.Equal(t, "coffee notes", first["snippet"])
	require.Equal(t, created.Format(time.RFC3339), first["created_at"])
}

func TestRememberTool(t *testing.T) {
	store := &mockStore{record: memory.Record{ID: "m2", CreatedAt: time.Now().UTC()}}
	d := newTestDispatcher(store, Options{})
	d.Dispatch(context.Background(), live.ToolCall{
		ID:   "t7",
		Name: "remember",
		Args: json.RawMessage(`{"content":"user prefers dark roast","tags":["coffee"]}`),
	})

	res := awaitResult(t, d)
	require.True(t, res.OK)
	require.Equal(t, "user prefers dark roast", store.content)
	require.Equal(t, []string{"coffee"}, store.tags)

	data := decodePayload(t, res)["data"].(map[string]any)
	require.Equal(t, "m2", data["id"])
}

func TestAskClaudeViaCommand(t *testing.T) {
	d := newTestDispatcher(&mockStore{}, Options{SubagentCommand: []string{"echo", "answer:"}})
	d.Dispatch(context.Background(), live.ToolCall{
		ID:   "t8",
		Name: "ask_claude",
		Args: json.RawMessage(`{"prompt":"what is up"}`),
	})

	res := awaitResult(t, d)
	require.True(t, res.OK)
	data := decodePayload(t, res)["data"].(map[string]any)
	require.Equal(t, "answer: what is up", data["response"])
	require.Equal(t, false, data["timed_out"])
}

func TestAskClaudeUnconfigured(t *testing.T) {
	d := newTestDispatcher(&mockStore{}, Options{})
	d.Dispatch(context.Background(), live.ToolCall{
		ID:   "t9",
		Name: "ask_claude",
		Args: json.RawMessage(`{"prompt":"hello"}`),
	})

	res := awaitResult(t, d)
	require.False(t, res.OK)
}

func TestUnknownToolFails(t *testing.T) {
	d := newTestDispatcher(&mockStore{}, Options{})
	d.Dispatch(context.Background(), live.ToolCall{ID: "t10", Name: "launch_missiles", Args: json.RawMessage(`{}`)})

	res := awaitResult(t, d)
	require.False(t, res.OK)
	require.Contains(t, decodePayload(t, res)["error"], "unknown tool")
}

// A cancelled session discards in-flight results entirely: the router must
// never send a tool result for a conversation that has closed.
func TestDispatchCancelledDiscardsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := newTestDispatcher(&mockStore{}, Options{})
	d.Dispatch(ctx, live.ToolCall{
		ID:   "t11",
		Name: "run_command",
		Args: json.RawMessage(`{"command":"sleep 30"}`),
	})

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case res := <-d.Results():
		t.Fatalf("unexpected result after cancel: %+v", res)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestResultsInCompletionOrder(t *testing.T) {
	d := newTestDispatcher(&mockStore{}, Options{})
	ctx := context.Background()

	// The slow call is dispatched first but must finish second.
	d.Dispatch(ctx, live.ToolCall{ID: "slow", Name: "run_command", Args: json.RawMessage(`{"command":"sleep 0.4; echo slow"}`)})
	d.Dispatch(ctx, live.ToolCall{ID: "fast", Name: "run_command", Args: json.RawMessage(`{"command":"echo fast"}`)})

	first := awaitResult(t, d)
	second := awaitResult(t, d)
	require.Equal(t, "fast", first.CallID)
	require.Equal(t, "slow", second.CallID)
}

func TestDeclarationsCoverAllTools(t *testing.T) {
	decls := Declarations()
	names := make([]string, len(decls))
	for i, d := range decls {
		names[i] = d.Name
	}
	require.Equal(t, []string{"search_memory", "remember", "run_command", "ask_claude"}, names)
	for _, decl := range decls {
		require.NotEmpty(t, decl.Description)
		require.Equal(t, "object", decl.Parameters["type"])
	}
}

func TestPayloadShape(t *testing.T) {
	d := newTestDispatcher(&mockStore{}, Options{})
	d.Dispatch(context.Background(), live.ToolCall{
		ID:   "t12",
		Name: "run_command",
		Args: json.RawMessage(`{"command":"true"}`),
	})

	res := awaitResult(t, d)
	body := decodePayload(t, res)
	require.Contains(t, body, "ok")
	require.Contains(t, body, "elapsed_ms")
	require.NotContains(t, body, "error")
	require.False(t, strings.Contains(string(res.Payload), "\n"))
}
