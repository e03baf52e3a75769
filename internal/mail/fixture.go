package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// FixtureSource serves messages from a JSON file, for offline runs and the
// gold-set fixtures. The file holds a flat array of Message objects.
type FixtureSource struct {
	Path string
	// PageSize bounds how many messages a single Fetch returns; zero means all.
	PageSize int

	loaded   bool
	messages []Message
}

func (s *FixtureSource) load() error {
	if s.loaded {
		return nil
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}
	var msgs []Message
	if err := json.Unmarshal(b, &msgs); err != nil {
		return fmt.Errorf("%w: parse fixture: %v", ErrPermanent, err)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
			return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
		}
		return msgs[i].MsgID < msgs[j].MsgID
	})
	s.messages = msgs
	s.loaded = true
	return nil
}

// Fetch pages through fixture messages received at or after since. The token
// is the decimal index of the next message to serve.
func (s *FixtureSource) Fetch(ctx context.Context, since time.Time, token string) (FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}
	if err := s.load(); err != nil {
		return FetchResult{}, err
	}
	start := 0
	if token != "" {
		if _, err := fmt.Sscanf(token, "%d", &start); err != nil || start < 0 {
			return FetchResult{}, fmt.Errorf("%w: bad fixture token %q", ErrPermanent, token)
		}
	}
	eligible := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.ReceivedAt.Before(since) {
			continue
		}
		eligible = append(eligible, m)
	}
	if start >= len(eligible) {
		return FetchResult{Done: true, NextToken: fmt.Sprintf("%d", len(eligible))}, nil
	}
	end := len(eligible)
	if s.PageSize > 0 && start+s.PageSize < end {
		end = start + s.PageSize
	}
	return FetchResult{
		Messages:  eligible[start:end],
		NextToken: fmt.Sprintf("%d", end),
		Done:      end == len(eligible),
	}, nil
}

// Sweep returns all fixture messages newer than now-window.
func (s *FixtureSource) Sweep(ctx context.Context, window time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-window)
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.ReceivedAt.Before(cutoff) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
