// Package memory persists conversation memories and serves the two
// operations the tool layer needs: full-text search and append.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	recordPrefix = "mem/"

	DefaultLimit = 10
	MaxLimit     = 20

	snippetRadius = 80
)

// Record is one remembered item.
type Record struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Match is one search hit.
type Match struct {
	ID        string    `json:"id"`
	Score     float64   `json:"score"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a badger-backed memory store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Remember appends a record and returns it with its assigned ID.
func (s *Store) Remember(ctx context.Context, content string, tags []string) (Record, error) {
	if strings.TrimSpace(content) == "" {
		return Record{}, fmt.Errorf("memory: empty content")
	}
	rec := Record{
		ID:        uuid.NewString(),
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	key := []byte(fmt.Sprintf("%s%d/%s", recordPrefix, rec.CreatedAt.UnixNano(), rec.ID))
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
	if err != nil {
		return Record{}, fmt.Errorf("memory: write: %w", err)
	}
	return rec, nil
}

// Search scans all records and ranks them by keyword overlap with the query.
// Tags count the same as content terms. Results are sorted by score, then
// recency.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var matches []Match
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec Record
			if err := json.Unmarshal(val, &rec); err != nil {
				continue // skip records written by incompatible versions
			}
			score, firstHit := scoreRecord(rec, terms)
			if score <= 0 {
				continue
			}
			matches = append(matches, Match{
				ID:        rec.ID,
				Score:     score,
				Snippet:   snippet(rec.Content, firstHit),
				CreatedAt: rec.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// scoreRecord returns the fraction of query terms present in the record and
// the byte offset of the first content hit (-1 when only tags matched).
func scoreRecord(rec Record, terms []string) (float64, int) {
	content := strings.ToLower(rec.Content)
	hits := 0
	firstHit := -1
	for _, term := range terms {
		if idx := strings.Index(content, term); idx >= 0 {
			hits++
			if firstHit < 0 || idx < firstHit {
				firstHit = idx
			}
			continue
		}
		for _, tag := range rec.Tags {
			if strings.Contains(strings.ToLower(tag), term) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(terms)), firstHit
}

func snippet(content string, firstHit int) string {
	if firstHit < 0 {
		firstHit = 0
	}
	start := firstHit - snippetRadius
	if start < 0 {
		start = 0
	}
	end := firstHit + snippetRadius
	if end > len(content) {
		end = len(content)
	}
	out := content[start:end]
	if start > 0 {
		out = "…" + out
	}
	if end < len(content) {
		out += "…"
	}
	return out
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
