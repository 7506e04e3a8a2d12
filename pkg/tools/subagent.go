package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
)

const (
	anthropicURL     = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
	anthropicModel   = "claude-sonnet-4-20250514"
)

type askClaudeArgs struct {
	Prompt  string `json:"prompt"`
	Context string `json:"context,omitempty"`
}

// askClaude delegates a question to the configured subagent command and
// returns its full stdout. Without a command it falls back to the Anthropic
// Messages API.
func (d *Dispatcher) askClaude(ctx context.Context, raw json.RawMessage) (any, string, error) {
	var args askClaudeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, "", fmt.Errorf("ask_claude: bad args: %w", err)
	}
	if args.Prompt == "" {
		return nil, "", errors.New("ask_claude: prompt is required")
	}

	prompt := args.Prompt
	if args.Context != "" {
		prompt = args.Context + "\n\n" + args.Prompt
	}

	ctx, cancel := context.WithTimeout(ctx, askClaudeTimeout)
	defer cancel()

	if len(d.opts.SubagentCommand) > 0 {
		return d.askViaCommand(ctx, prompt)
	}
	if d.opts.AnthropicAPIKey != "" {
		return d.askViaHTTP(ctx, prompt)
	}
	return nil, "", errors.New("ask_claude: no subagent command or API key configured")
}

func (d *Dispatcher) askViaCommand(ctx context.Context, prompt string) (any, string, error) {
	argv := append(append([]string{}, d.opts.SubagentCommand...), prompt)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	runErr := cmd.Run()
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if runErr != nil && !timedOut {
		return nil, "", fmt.Errorf("ask_claude: subagent: %w", runErr)
	}

	response := strings.TrimRight(stdout.String(), "\n")
	data := map[string]any{
		"response":  response,
		"timed_out": timedOut,
	}
	summary := fmt.Sprintf("%d chars", len(response))
	if timedOut {
		summary = "timed out"
	}
	return data, summary, nil
}

func (d *Dispatcher) askViaHTTP(ctx context.Context, prompt string) (any, string, error) {
	payload := map[string]any{
		"model":      anthropicModel,
		"max_tokens": 1024,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", anthropicURL, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", d.opts.AnthropicAPIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return map[string]any{"response": "", "timed_out": true}, "timed out", nil
		}
		return nil, "", fmt.Errorf("ask_claude: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp any
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, "", fmt.Errorf("ask_claude: api error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, "", err
	}
	if len(result.Content) == 0 {
		return nil, "", errors.New("ask_claude: empty response")
	}

	response := result.Content[0].Text
	return map[string]any{
		"response":  response,
		"timed_out": false,
	}, fmt.Sprintf("%d chars", len(response)), nil
}
