// Package deadletter retries deliveries that failed inside the webhook path.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"replydesk/internal/graphapi"
	"replydesk/internal/models"
	"replydesk/internal/reply"
	"replydesk/internal/repository"

	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 5
	DefaultBatchSize   = 50
	baseRetryDelay     = time.Minute
	maxRetryDelay      = time.Hour
)

// Sender is the subset of the platform client used for retries.
type Sender interface {
	SendText(ctx context.Context, token, accountID string, to graphapi.Recipient, text string) (*graphapi.SendResult, error)
	SendTemplate(ctx context.Context, token, accountID string, to graphapi.Recipient, elements []graphapi.TemplateElement) (*graphapi.SendResult, error)
}

// Worker drains the outbox.
type Worker struct {
	letters      repository.DeadLetterRepository
	actionLogs   repository.ActionLogRepository
	integrations repository.IntegrationRepository
	contacts     repository.ContactRepository
	sender       Sender
	maxAttempts  int
	batchSize    int
	logger       *zap.Logger
	now          func() time.Time
}

func NewWorker(
	letters repository.DeadLetterRepository,
	actionLogs repository.ActionLogRepository,
	integrations repository.IntegrationRepository,
	contacts repository.ContactRepository,
	sender Sender,
	maxAttempts, batchSize int,
	logger *zap.Logger,
) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Worker{
		letters:      letters,
		actionLogs:   actionLogs,
		integrations: integrations,
		contacts:     contacts,
		sender:       sender,
		maxAttempts:  maxAttempts,
		batchSize:    batchSize,
		logger:       logger.Named("deadletter"),
		now:          time.Now,
	}
}

// Result summarizes one drain.
type Result struct {
	Delivered   int
	Rescheduled int
	Abandoned   int
}

// RetryDelay is the wait after the given number of failed attempts:
// one minute doubled per attempt, capped at an hour.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 6 {
		return maxRetryDelay
	}
	return min(baseRetryDelay<<(attempts-1), maxRetryDelay)
}

// Drain retries every letter that is due. Per-letter failures are recorded
// on the letter; only storage errors listing the outbox are returned.
func (w *Worker) Drain(ctx context.Context) (Result, error) {
	var result Result

	letters, err := w.letters.ListDue(ctx, w.now().UTC(), w.batchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list due dead letters: %w", err)
	}

	for _, letter := range letters {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		switch w.retry(ctx, letter) {
		case models.DeadLetterDelivered:
			result.Delivered++
		case models.DeadLetterAbandoned:
			result.Abandoned++
		case models.DeadLetterPending:
			result.Rescheduled++
		}
	}

	if len(letters) > 0 {
		w.logger.Info("Dead-letter drain finished",
			zap.Int("delivered", result.Delivered),
			zap.Int("rescheduled", result.Rescheduled),
			zap.Int("abandoned", result.Abandoned))
	}
	return result, nil
}

// retry makes one delivery attempt and returns the letter's new status.
func (w *Worker) retry(ctx context.Context, letter *models.DeadLetter) models.DeadLetterStatus {
	log := w.logger.With(
		zap.String("dead_letter_id", letter.ID),
		zap.String("user_id", letter.UserID),
		zap.String("thread_key", letter.ThreadKey))
	attempts := letter.Attempts + 1

	integration, err := w.integrations.GetByUserID(ctx, letter.UserID)
	if err != nil {
		log.Error("Failed to load integration for retry", zap.Error(err))
		return w.reschedule(ctx, letter, letter.Attempts, err.Error(), log)
	}
	if integration == nil || integration.ReconnectRequired || integration.TokenExpired(w.now()) {
		return w.abandon(ctx, letter, letter.Attempts, "integration is disconnected", log)
	}

	// An escalation after the original failure wins over the parked reply.
	if letter.Kind.Surface() == models.SurfaceDM {
		contact, err := w.contacts.GetByRemoteID(ctx, letter.UserID, letter.RecipientID)
		if err != nil {
			log.Error("Failed to load contact for retry", zap.Error(err))
			return w.reschedule(ctx, letter, letter.Attempts, err.Error(), log)
		}
		if contact != nil && contact.RequiresHumanResponse {
			return w.abandon(ctx, letter, letter.Attempts, "contact awaits a human", log)
		}
	}

	result, sendErr := w.send(ctx, integration, letter)
	entry := &models.ActionLog{
		UserID:      letter.UserID,
		ThreadKey:   letter.ThreadKey,
		RecipientID: letter.RecipientID,
		Kind:        letter.Kind,
		Text:        letter.Text,
		Result:      models.ResultSent,
	}
	if elements, err := decodeTemplate(letter.Template); err == nil && len(elements) > 0 {
		entry.Text = reply.TemplateSummary(elements)
	}

	if sendErr == nil {
		if result != nil && result.MessageID != "" {
			providerID := result.MessageID
			entry.ProviderMessageID = &providerID
		}
		if err := w.letters.MarkDelivered(ctx, letter.ID, attempts, entry); err != nil {
			log.Error("Retried send went out but could not be recorded", zap.Error(err))
		}
		log.Info("Dead letter delivered", zap.Int("attempts", attempts))
		return models.DeadLetterDelivered
	}

	entry.Result = models.ResultFailed
	id := letter.ID
	entry.DeadLetterID = &id
	if err := w.actionLogs.Append(ctx, entry); err != nil {
		log.Error("Failed to record failed retry", zap.Error(err))
	}

	switch {
	case graphapi.IsKind(sendErr, graphapi.KindTokenExpired):
		if err := w.integrations.MarkReconnectRequired(ctx, integration.ID); err != nil {
			log.Error("Failed to flag integration for reconnection", zap.Error(err))
		}
		return w.abandon(ctx, letter, attempts, sendErr.Error(), log)
	case attempts >= w.maxAttempts:
		return w.abandon(ctx, letter, attempts, sendErr.Error(), log)
	}
	return w.reschedule(ctx, letter, attempts, sendErr.Error(), log)
}

func (w *Worker) send(ctx context.Context, integration *models.Integration, letter *models.DeadLetter) (*graphapi.SendResult, error) {
	to := recipientFor(letter)
	if letter.Template != "" {
		elements, err := decodeTemplate(letter.Template)
		if err != nil {
			return nil, &graphapi.APIError{Kind: graphapi.KindParseError, Message: "stored template is unreadable", Err: err}
		}
		return w.sender.SendTemplate(ctx, integration.AccessToken, integration.AccountID, to, elements)
	}
	return w.sender.SendText(ctx, integration.AccessToken, integration.AccountID, to, letter.Text)
}

func decodeTemplate(raw string) ([]graphapi.TemplateElement, error) {
	if raw == "" {
		return nil, nil
	}
	var elements []graphapi.TemplateElement
	if err := json.Unmarshal([]byte(raw), &elements); err != nil {
		return nil, err
	}
	return elements, nil
}

// recipientFor addresses comment replies by comment id and DMs by user id.
func recipientFor(letter *models.DeadLetter) graphapi.Recipient {
	switch letter.Kind.Surface() {
	case models.SurfaceComment:
		return graphapi.Recipient{CommentID: letter.RecipientID}
	case models.SurfaceDM:
		return graphapi.Recipient{ID: letter.RecipientID}
	}
	return graphapi.Recipient{ID: letter.RecipientID}
}

func (w *Worker) reschedule(ctx context.Context, letter *models.DeadLetter, attempts int, lastErr string, log *zap.Logger) models.DeadLetterStatus {
	next := w.now().UTC().Add(RetryDelay(attempts))
	if err := w.letters.Reschedule(ctx, letter.ID, attempts, next, lastErr); err != nil {
		log.Error("Failed to reschedule dead letter", zap.Error(err))
	}
	log.Warn("Dead letter retry failed, rescheduled",
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.String("last_error", lastErr))
	return models.DeadLetterPending
}

func (w *Worker) abandon(ctx context.Context, letter *models.DeadLetter, attempts int, lastErr string, log *zap.Logger) models.DeadLetterStatus {
	if err := w.letters.Abandon(ctx, letter.ID, attempts, lastErr); err != nil {
		log.Error("Failed to abandon dead letter", zap.Error(err))
	}
	log.Warn("Dead letter abandoned", zap.Int("attempts", attempts), zap.String("last_error", lastErr))
	return models.DeadLetterAbandoned
}
