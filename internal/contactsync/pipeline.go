// Package contactsync pulls a user's conversations from the platform, has
// them analyzed and folds the result into the contact table.
package contactsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"replydesk/internal/graphapi"
	"replydesk/internal/llm"
	"replydesk/internal/models"
	"replydesk/internal/repository"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize    = 20
	DefaultItemDelay    = 200 * time.Millisecond
	DefaultBatchDelay   = time.Second
	DefaultMessageLimit = 10
	DefaultMinMessages  = 2
)

// ErrNoIntegration is returned when the user has no connected account.
var ErrNoIntegration = errors.New("no integration for user")

// Conversations is the subset of the platform client the pipeline reads from.
type Conversations interface {
	ListConversations(ctx context.Context, token string) ([]graphapi.Conversation, error)
	ListMessages(ctx context.Context, token, conversationID string, limit int) ([]graphapi.Message, error)
}

// Config tunes batching and thresholds.
type Config struct {
	BatchSize    int
	ItemDelay    time.Duration
	BatchDelay   time.Duration
	MessageLimit int
	MinMessages  int
	// Concurrency is how many conversations of one batch are in flight at
	// once. Items are still started ItemDelay apart.
	Concurrency int
}

// Pipeline runs full and incremental contact syncs.
type Pipeline struct {
	integrations repository.IntegrationRepository
	contacts     repository.ContactRepository
	api          Conversations
	analyzer     llm.Generator
	cfg          Config
	logger       *zap.Logger
	now          func() time.Time
}

func NewPipeline(
	integrations repository.IntegrationRepository,
	contacts repository.ContactRepository,
	api Conversations,
	analyzer llm.Generator,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ItemDelay < 0 {
		cfg.ItemDelay = 0
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = DefaultMessageLimit
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = DefaultMinMessages
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pipeline{
		integrations: integrations,
		contacts:     contacts,
		api:          api,
		analyzer:     analyzer,
		cfg:          cfg,
		logger:       logger.Named("contactsync"),
		now:          time.Now,
	}
}

// target is one conversation selected for processing.
type target struct {
	conversation graphapi.Conversation
	participant  graphapi.Participant
	known        bool
}

// Sync refreshes the user's contacts from their conversations. A full sync
// processes every conversation and overwrites analysis fields; an
// incremental sync only looks at conversations updated since the last run
// or with unseen participants, and keeps existing analysis.
//
// A token the platform rejects is returned as a token_expired error and
// flags the integration for reconnection. Any other per-conversation
// failure is logged and skipped.
func (p *Pipeline) Sync(ctx context.Context, userID string, fullSync bool) ([]*models.Contact, error) {
	integration, err := p.integrations.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	if integration == nil {
		return nil, ErrNoIntegration
	}

	log := p.logger.With(
		zap.String("user_id", userID),
		zap.String("account_id", integration.AccountID),
		zap.Bool("full_sync", fullSync))

	startedAt := p.now().UTC()
	if integration.ReconnectRequired || integration.TokenExpired(startedAt) {
		log.Warn("Skipping sync, access token is expired")
		return nil, &graphapi.APIError{Kind: graphapi.KindTokenExpired, Message: "stored access token is expired"}
	}

	tokens := &tokenSource{integrations: p.integrations, integration: integration}

	var conversations []graphapi.Conversation
	err = tokens.call(ctx, func(token string) error {
		var err error
		conversations, err = p.api.ListConversations(ctx, token)
		return err
	})
	if err != nil {
		p.flagExpired(ctx, integration, err, log)
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	known, err := p.contacts.ListRemoteIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list known contacts: %w", err)
	}

	targets := selectTargets(conversations, integration, known, fullSync)
	log.Info("Starting contact sync",
		zap.Int("conversations", len(conversations)),
		zap.Int("targets", len(targets)))

	contacts, err := p.processAll(ctx, tokens, integration, targets, fullSync, log)
	if err != nil {
		p.flagExpired(ctx, integration, err, log)
		return nil, err
	}

	if err := p.integrations.MarkSynced(ctx, integration.ID, startedAt); err != nil {
		return contacts, fmt.Errorf("failed to stamp last sync time: %w", err)
	}

	log.Info("Contact sync finished", zap.Int("contacts", len(contacts)))
	return contacts, nil
}

// selectTargets applies the full or incremental selection rule.
func selectTargets(conversations []graphapi.Conversation, integration *models.Integration, known map[string]struct{}, fullSync bool) []target {
	targets := make([]target, 0, len(conversations))
	for _, conv := range conversations {
		participant, ok := conv.Counterpart(integration.AccountID)
		if !ok {
			continue
		}
		_, seen := known[participant.ID]

		if !fullSync && seen && integration.LastSyncedAt != nil && !conv.UpdatedTime.After(*integration.LastSyncedAt) {
			continue
		}
		targets = append(targets, target{conversation: conv, participant: participant, known: seen})
	}
	return targets
}

// processAll walks targets in batches, starting items ItemDelay apart and
// pausing BatchDelay between batches. Only token_expired aborts the run.
func (p *Pipeline) processAll(ctx context.Context, tokens *tokenSource, integration *models.Integration, targets []target, fullSync bool, log *zap.Logger) ([]*models.Contact, error) {
	var (
		mu       sync.Mutex
		contacts []*models.Contact
	)

	for start := 0; start < len(targets); start += p.cfg.BatchSize {
		if start > 0 {
			if err := sleep(ctx, p.cfg.BatchDelay); err != nil {
				return contacts, err
			}
		}
		end := min(start+p.cfg.BatchSize, len(targets))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Concurrency)
		for i, t := range targets[start:end] {
			if i > 0 {
				if err := sleep(gctx, p.cfg.ItemDelay); err != nil {
					break
				}
			}
			g.Go(func() error {
				contact, err := p.processOne(gctx, tokens, integration, t, fullSync)
				if err != nil {
					if graphapi.IsKind(err, graphapi.KindTokenExpired) {
						return err
					}
					log.Warn("Skipping conversation",
						zap.String("conversation_id", t.conversation.ID),
						zap.String("remote_id", t.participant.ID),
						zap.Error(err))
					return nil
				}
				if contact != nil {
					mu.Lock()
					contacts = append(contacts, contact)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return contacts, err
		}
		if err := ctx.Err(); err != nil {
			return contacts, err
		}
	}
	return contacts, nil
}

// processOne fetches history for one conversation, analyzes it when the
// mode calls for it and upserts the contact. Threads below MinMessages
// return nil without spending analysis budget.
func (p *Pipeline) processOne(ctx context.Context, tokens *tokenSource, integration *models.Integration, t target, fullSync bool) (*models.Contact, error) {
	var messages []graphapi.Message
	err := tokens.call(ctx, func(token string) error {
		var err error
		messages, err = p.api.ListMessages(ctx, token, t.conversation.ID, p.cfg.MessageLimit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if len(messages) < p.cfg.MinMessages {
		return nil, nil
	}

	latest := messages[0]
	lastAt := latest.CreatedTime
	if lastAt.IsZero() {
		lastAt = t.conversation.UpdatedTime
	}

	// Incremental runs keep the stored analysis of known contacts, so only
	// new participants are worth a model call.
	analysis := neutralAnalysis()
	if fullSync || !t.known {
		if p.analyzer != nil {
			analysis, err = analyze(ctx, p.analyzer, t.participant.ID, messages)
			if err != nil {
				p.logger.Warn("Analysis failed, using neutral values",
					zap.String("remote_id", t.participant.ID),
					zap.Error(err))
			}
		}
	}

	name := t.participant.Username
	if name == "" {
		for _, m := range messages {
			if m.FromID == t.participant.ID && m.FromUsername != "" {
				name = m.FromUsername
				break
			}
		}
	}

	contact, err := p.contacts.UpsertSynced(ctx, models.SyncedContact{
		UserID:        integration.UserID,
		RemoteID:      t.participant.ID,
		DisplayName:   name,
		LastMessage:   latest.Text,
		LastMessageAt: lastAt,
		Analysis:      analysis,
		Stale:         p.now().Sub(lastAt) > models.FollowupAge,
	}, fullSync)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert contact: %w", err)
	}
	return contact, nil
}

func (p *Pipeline) flagExpired(ctx context.Context, integration *models.Integration, err error, log *zap.Logger) {
	if !graphapi.IsKind(err, graphapi.KindTokenExpired) {
		return
	}
	if markErr := p.integrations.MarkReconnectRequired(ctx, integration.ID); markErr != nil {
		log.Error("Failed to flag integration for reconnection", zap.Error(markErr))
		return
	}
	log.Warn("Access token rejected, integration needs reconnecting")
}

// DueForSync returns the integrations that have never synced or whose
// clamped interval has elapsed at now. Integrations awaiting reconnection
// are never due.
func DueForSync(integrations []*models.Integration, now time.Time) []*models.Integration {
	var due []*models.Integration
	for _, integration := range integrations {
		if integration.ReconnectRequired {
			continue
		}
		if integration.DueForSync(now) {
			due = append(due, integration)
		}
	}
	return due
}

// tokenSource hands out the integration's current token and re-reads it
// once from storage when the platform rejects it, in case a concurrent
// refresh replaced it.
type tokenSource struct {
	integrations repository.IntegrationRepository

	mu          sync.Mutex
	integration *models.Integration
	reloaded    bool
}

func (s *tokenSource) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integration.AccessToken
}

// reload reports whether a different token is now available.
func (s *tokenSource) reload(ctx context.Context, rejected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.integration.AccessToken != rejected {
		return true, nil
	}
	if s.reloaded {
		return false, nil
	}
	s.reloaded = true

	fresh, err := s.integrations.GetByUserID(ctx, s.integration.UserID)
	if err != nil {
		return false, err
	}
	if fresh == nil || fresh.AccessToken == rejected {
		return false, nil
	}
	s.integration.AccessToken = fresh.AccessToken
	s.integration.ExpiresAt = fresh.ExpiresAt
	return true, nil
}

// call runs fn with the current token, retrying once with a reloaded token
// on token_expired.
func (s *tokenSource) call(ctx context.Context, fn func(token string) error) error {
	token := s.current()
	err := fn(token)
	if !graphapi.IsKind(err, graphapi.KindTokenExpired) {
		return err
	}
	changed, reloadErr := s.reload(ctx, token)
	if reloadErr != nil || !changed {
		return err
	}
	return fn(s.current())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
