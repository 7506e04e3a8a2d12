package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type searchMemoryArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type rememberArgs struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

func (d *Dispatcher) searchMemory(ctx context.Context, raw json.RawMessage) (any, string, error) {
	var args searchMemoryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, "", fmt.Errorf("search_memory: bad args: %w", err)
	}
	if args.Query == "" {
		return nil, "", fmt.Errorf("search_memory: query is required")
	}

	ctx, cancel := context.WithTimeout(ctx, memoryTimeout)
	defer cancel()

	matches, err := d.mem.Search(ctx, args.Query, args.Limit)
	if err != nil {
		return nil, "", fmt.Errorf("search_memory: %w", err)
	}

	type wireMatch struct {
		ID        string  `json:"id"`
		Score     float64 `json:"score"`
		Snippet   string  `json:"snippet"`
		CreatedAt string  `json:"created_at"`
	}
	out := make([]wireMatch, len(matches))
	for i, m := range matches {
		out[i] = wireMatch{
			ID:        m.ID,
			Score:     m.Score,
			Snippet:   m.Snippet,
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
		}
	}
	summary := fmt.Sprintf("%d matches for %q", len(out), args.Query)
	return map[string]any{"matches": out}, summary, nil
}

func (d *Dispatcher) remember(ctx context.Context, raw json.RawMessage) (any, string, error) {
	var args rememberArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, "", fmt.Errorf("remember: bad args: %w", err)
	}
	if args.Content == "" {
		return nil, "", fmt.Errorf("remember: content is required")
	}

	ctx, cancel := context.WithTimeout(ctx, memoryTimeout)
	defer cancel()

	rec, err := d.mem.Remember(ctx, args.Content, args.Tags)
	if err != nil {
		return nil, "", fmt.Errorf("remember: %w", err)
	}
	return map[string]any{
		"id":         rec.ID,
		"created_at": rec.CreatedAt.Format(time.RFC3339),
	}, "stored " + rec.ID, nil
}
