// Package scheduler runs the background jobs: queued contact syncs, the
// hourly due-for-sync check, the daily token refresh and the dead-letter
// drain.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"replydesk/internal/contactsync"
	"replydesk/internal/deadletter"
	"replydesk/internal/graphapi"
	"replydesk/internal/models"
	"replydesk/internal/repository"
	"replydesk/internal/token"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by Enqueue when the sync queue has no room.
var ErrQueueFull = errors.New("sync queue is full")

const defaultQueueSize = 256

// Syncer runs one contact sync.
type Syncer interface {
	Sync(ctx context.Context, userID string, fullSync bool) ([]*models.Contact, error)
}

// TokenRefresher refreshes every token close to expiry.
type TokenRefresher interface {
	RefreshExpiring(ctx context.Context) (token.RefreshResult, error)
}

// Drainer retries due dead letters.
type Drainer interface {
	Drain(ctx context.Context) (deadletter.Result, error)
}

// Config sets job intervals. A zero interval disables that job.
type Config struct {
	SyncCheckInterval    time.Duration
	TokenRefreshInterval time.Duration
	DeadLetterInterval   time.Duration
	Workers              int
	QueueSize            int
	// SyncTimeout bounds one queued sync.
	SyncTimeout time.Duration
}

// SyncRequest asks for one user's contacts to be synced.
type SyncRequest struct {
	UserID   string `json:"userId"`
	FullSync bool   `json:"fullSync"`
}

// Scheduler owns the sync queue and the periodic jobs.
type Scheduler struct {
	integrations repository.IntegrationRepository
	syncer       Syncer
	tokens       TokenRefresher
	drainer      Drainer
	cfg          Config
	logger       *zap.Logger
	now          func() time.Time

	queue chan SyncRequest

	mu sync.Mutex
	// pending holds users with a queued sync; a second request for the same
	// user is folded into the first.
	pending map[string]*SyncRequest
}

func New(
	integrations repository.IntegrationRepository,
	syncer Syncer,
	tokens TokenRefresher,
	drainer Drainer,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 30 * time.Minute
	}
	return &Scheduler{
		integrations: integrations,
		syncer:       syncer,
		tokens:       tokens,
		drainer:      drainer,
		cfg:          cfg,
		logger:       logger.Named("scheduler"),
		now:          time.Now,
		queue:        make(chan SyncRequest, cfg.QueueSize),
		pending:      make(map[string]*SyncRequest),
	}
}

// Enqueue queues a sync. A request for a user who already has one queued
// only upgrades that request to a full sync when asked.
func (s *Scheduler) Enqueue(req SyncRequest) error {
	if req.UserID == "" {
		return errors.New("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if queued, ok := s.pending[req.UserID]; ok {
		queued.FullSync = queued.FullSync || req.FullSync
		return nil
	}

	select {
	case s.queue <- SyncRequest{UserID: req.UserID}:
		s.pending[req.UserID] = &SyncRequest{UserID: req.UserID, FullSync: req.FullSync}
		return nil
	default:
		return ErrQueueFull
	}
}

// take removes the user's pending entry and returns the merged request.
func (s *Scheduler) take(userID string) SyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[userID]
	if !ok {
		return SyncRequest{UserID: userID}
	}
	delete(s.pending, userID)
	return *req
}

// CheckDue enqueues an incremental sync for every integration whose interval
// has elapsed or that never synced. It returns how many were queued.
func (s *Scheduler) CheckDue(ctx context.Context) (int, error) {
	integrations, err := s.integrations.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list integrations: %w", err)
	}

	queued := 0
	for _, integration := range contactsync.DueForSync(integrations, s.now().UTC()) {
		// A first sync has nothing to be incremental against.
		full := integration.LastSyncedAt == nil
		if err := s.Enqueue(SyncRequest{UserID: integration.UserID, FullSync: full}); err != nil {
			s.logger.Warn("Failed to queue due sync",
				zap.String("user_id", integration.UserID),
				zap.Error(err))
			continue
		}
		queued++
	}
	if queued > 0 {
		s.logger.Info("Queued due syncs", zap.Int("count", queued))
	}
	return queued, nil
}

// Run starts the workers and tickers and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", zap.Int("workers", s.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.work(gctx)
			return nil
		})
	}

	s.every(g, gctx, "sync-check", s.cfg.SyncCheckInterval, func(ctx context.Context) {
		if _, err := s.CheckDue(ctx); err != nil {
			s.logger.Error("Due-for-sync check failed", zap.Error(err))
		}
	})
	if s.tokens != nil {
		s.every(g, gctx, "token-refresh", s.cfg.TokenRefreshInterval, func(ctx context.Context) {
			if _, err := s.tokens.RefreshExpiring(ctx); err != nil {
				s.logger.Error("Token refresh run failed", zap.Error(err))
			}
		})
	}
	if s.drainer != nil {
		s.every(g, gctx, "dead-letter", s.cfg.DeadLetterInterval, func(ctx context.Context) {
			if _, err := s.drainer.Drain(ctx); err != nil {
				s.logger.Error("Dead-letter drain failed", zap.Error(err))
			}
		})
	}

	err := g.Wait()
	s.logger.Info("Scheduler stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// every runs job once at start and then on each tick.
func (s *Scheduler) every(g *errgroup.Group, ctx context.Context, name string, interval time.Duration, job func(context.Context)) {
	if interval <= 0 {
		s.logger.Info("Job disabled", zap.String("job", name))
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		job(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				job(ctx)
			}
		}
	})
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case queued := <-s.queue:
			s.RunSync(ctx, s.take(queued.UserID))
		}
	}
}

// RunSync performs one sync now and logs the outcome.
func (s *Scheduler) RunSync(ctx context.Context, req SyncRequest) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	log := s.logger.With(zap.String("user_id", req.UserID), zap.Bool("full_sync", req.FullSync))
	contacts, err := s.syncer.Sync(ctx, req.UserID, req.FullSync)
	switch {
	case err == nil:
		log.Info("Sync completed", zap.Int("contacts", len(contacts)))
	case graphapi.IsKind(err, graphapi.KindTokenExpired):
		log.Warn("Sync stopped, integration needs reconnecting", zap.Error(err))
	case errors.Is(err, contactsync.ErrNoIntegration):
		log.Info("Sync skipped, no integration")
	default:
		log.Error("Sync failed", zap.Error(err))
	}
}
