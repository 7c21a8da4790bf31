package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultKeepCount is how many conversations a user retains.
const DefaultKeepCount = 3

// DefaultSweepInterval is the cadence of the background sweep over all
// users.
const DefaultSweepInterval = time.Hour

// sweepListLimit bounds the conversation listing during a sweep.
const sweepListLimit = 500

// Sweeper enforces keep-newest retention: each user keeps their
// keepCount most recently updated conversations, everything older is
// deleted along with its messages.
type Sweeper struct {
	store     *Store
	keepCount int
	interval  time.Duration
	logger    *slog.Logger
}

// NewSweeper creates a Sweeper over store. keepCount values below 1
// fall back to DefaultKeepCount.
func NewSweeper(store *Store, keepCount int, logger *slog.Logger) *Sweeper {
	if keepCount < 1 {
		keepCount = DefaultKeepCount
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		keepCount: keepCount,
		interval:  DefaultSweepInterval,
		logger:    logger,
	}
}

// SweepUser deletes the user's conversations beyond the keepCount most
// recently updated ones. It is idempotent: a second run with no new
// conversations deletes nothing. A conversation created mid-sweep may
// be missed; the invariant is convergence over time, not exact
// real-time enforcement.
func (s *Sweeper) SweepUser(ctx context.Context, userID string) error {
	conversations, err := s.store.Conversations(ctx, userID, sweepListLimit)
	if err != nil {
		return fmt.Errorf("listing conversations for sweep: %w", err)
	}
	if len(conversations) <= s.keepCount {
		return nil
	}

	var removed, messages int64
	for _, c := range conversations[s.keepCount:] {
		n, err := s.store.DeleteConversation(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("sweeping conversation %s: %w", c.ID, err)
		}
		removed++
		messages += n
	}

	s.logger.Info("swept old conversations",
		"user_id", userID, "conversations", removed, "messages", messages)
	return nil
}

// Run blocks until ctx is canceled, sweeping every user on each tick.
// Callers must track the goroutine with a WaitGroup.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce sweeps every user that currently owns a conversation.
func (s *Sweeper) runOnce(ctx context.Context) {
	rows, err := s.store.db.Query(ctx, `SELECT DISTINCT user_id FROM conversations`)
	if err != nil {
		s.logger.Warn("retention sweep failed to list users", "error", err)
		return
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			s.logger.Warn("retention sweep scan failed", "error", err)
			return
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("retention sweep failed", "error", err)
		return
	}

	for _, id := range users {
		if err := s.SweepUser(ctx, id); err != nil {
			s.logger.Warn("retention sweep failed for user", "user_id", id, "error", err)
		}
	}
}
