// Package webhook turns platform webhook deliveries into automated replies
// or human escalations.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"replydesk/internal/graphapi"
	"replydesk/internal/hrn"
	"replydesk/internal/models"
	"replydesk/internal/notify"
	"replydesk/internal/reply"
	"replydesk/internal/repository"
	"replydesk/internal/trigger"

	"go.uber.org/zap"
)

const (
	DefaultDedupWindow    = 30 * time.Second
	DefaultProcessTimeout = 25 * time.Second
	defaultHistoryLimit   = 10
	firstRetryDelay       = time.Minute
)

// Outcome is the terminal state of one event.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeSticky    Outcome = "sticky_hrn"
	OutcomeEscalated Outcome = "escalated"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoMatch   Outcome = "no_match"
	OutcomeNoReply   Outcome = "no_reply"
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "failed"
	OutcomeError     Outcome = "error"
)

// Messenger is the subset of the platform client the processor uses.
type Messenger interface {
	SendText(ctx context.Context, token, accountID string, to graphapi.Recipient, text string) (*graphapi.SendResult, error)
	SendTemplate(ctx context.Context, token, accountID string, to graphapi.Recipient, elements []graphapi.TemplateElement) (*graphapi.SendResult, error)
	ReplyToComment(ctx context.Context, token, commentID, text string) (*graphapi.SendResult, error)
	FindConversationWith(ctx context.Context, token, participantID string) (string, error)
	ListMessages(ctx context.Context, token, conversationID string, limit int) ([]graphapi.Message, error)
}

// Classifier decides whether a message needs a human.
type Classifier interface {
	Classify(ctx context.Context, message, contextSnippet string) hrn.Result
}

// ReplyWriter produces generated reply text.
type ReplyWriter interface {
	General(ctx context.Context, profile *models.ReplyProfile, history []reply.Turn, inbound string) (string, error)
	FromPrompt(ctx context.Context, instructions, inbound string) (string, error)
}

// Deps are the processor's collaborators. Notifier may be nil.
type Deps struct {
	Integrations repository.IntegrationRepository
	Contacts     repository.ContactRepository
	ActionLogs   repository.ActionLogRepository
	Automations  repository.AutomationRepository
	Profiles     repository.ProfileRepository
	Messenger    Messenger
	Classifier   Classifier
	Replies      ReplyWriter
	Notifier     notify.Notifier
}

// Config tunes the processor.
type Config struct {
	// DedupWindow suppresses replies on a thread that was answered this
	// recently when the event has no message id. It is a best-effort guard
	// only; events with ids are deduplicated exactly.
	DedupWindow    time.Duration
	ProcessTimeout time.Duration
	HistoryLimit   int
}

// Processor handles webhook payloads.
type Processor struct {
	Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewProcessor creates a processor. Zero config fields take defaults; a
// negative DedupWindow disables the thread window.
func NewProcessor(deps Deps, cfg Config, logger *zap.Logger) *Processor {
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultProcessTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Processor{
		Deps:   deps,
		cfg:    cfg,
		logger: logger.Named("webhook"),
		now:    time.Now,
	}
}

// Process handles every event in payload and returns one outcome per event.
// It never fails: errors and panics are logged and reported as OutcomeError.
func (p *Processor) Process(ctx context.Context, payload *Payload) []Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProcessTimeout)
	defer cancel()

	var outcomes []Outcome
	if payload == nil {
		return outcomes
	}
	for _, entry := range payload.Entry {
		if len(entry.Changes) > 0 {
			for _, change := range entry.Changes {
				outcomes = append(outcomes, p.safely(func() (Outcome, error) {
					return p.handleComment(ctx, entry, change)
				}))
			}
			continue
		}
		for _, event := range entry.Messaging {
			outcomes = append(outcomes, p.safely(func() (Outcome, error) {
				return p.handleMessage(ctx, entry, event)
			}))
		}
	}
	return outcomes
}

func (p *Processor) safely(fn func() (Outcome, error)) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered from panic while processing webhook event",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			outcome = OutcomeError
		}
	}()

	outcome, err := fn()
	if err != nil {
		p.logger.Error("Failed to process webhook event", zap.String("outcome", string(outcome)), zap.Error(err))
		return OutcomeError
	}
	return outcome
}

// disconnected reports whether the integration cannot send until its owner
// reconnects. Nothing is classified, claimed or sent for such an account.
func (p *Processor) disconnected(integration *models.Integration, now time.Time) bool {
	if !integration.ReconnectRequired && !integration.TokenExpired(now) {
		return false
	}
	p.logger.Warn("Integration needs reconnecting, ignoring event",
		zap.String("user_id", integration.UserID),
		zap.String("account_id", integration.AccountID),
		zap.Bool("reconnect_required", integration.ReconnectRequired))
	return true
}

// inbound is a normalized DM event.
type inbound struct {
	integration *models.Integration
	senderID    string
	messageID   string
	text        string
	at          time.Time
	threadKey   string
}

func (p *Processor) handleMessage(ctx context.Context, entry Entry, event MessagingEvent) (Outcome, error) {
	msg := event.Message
	if msg == nil || msg.IsEcho || msg.Text == "" || event.Sender.ID == "" {
		return OutcomeIgnored, nil
	}
	accountID := event.Recipient.ID
	if accountID == "" {
		accountID = entry.ID
	}
	if accountID == "" || event.Sender.ID == accountID {
		return OutcomeIgnored, nil
	}

	integration, err := p.Integrations.GetByAccountID(ctx, accountID)
	if err != nil {
		return OutcomeError, fmt.Errorf("failed to resolve integration for account %s: %w", accountID, err)
	}
	if integration == nil {
		p.logger.Debug("No integration for account, ignoring event", zap.String("account_id", accountID))
		return OutcomeIgnored, nil
	}
	now := p.now().UTC()
	if p.disconnected(integration, now) {
		return OutcomeIgnored, nil
	}

	in := inbound{
		integration: integration,
		senderID:    event.Sender.ID,
		messageID:   msg.MID,
		text:        msg.Text,
		at:          event.SentAt(now),
		threadKey:   models.ThreadKey(accountID, event.Sender.ID),
	}
	log := p.logger.With(
		zap.String("user_id", integration.UserID),
		zap.String("account_id", accountID),
		zap.String("thread_key", in.threadKey),
		zap.String("message_id", in.messageID))

	contact, err := p.Contacts.GetByRemoteID(ctx, integration.UserID, in.senderID)
	if err != nil {
		return OutcomeError, fmt.Errorf("failed to load contact: %w", err)
	}

	// 1. Escalated conversations stay with the human until cleared.
	if contact != nil && contact.RequiresHumanResponse {
		if _, err := p.upsertContact(ctx, in, false, ""); err != nil {
			return OutcomeError, err
		}
		log.Info("Contact awaits a human reply, not answering")
		return OutcomeSticky, nil
	}

	// 2. Classify before anything can be sent.
	var snippet string
	if contact != nil {
		snippet = contact.LastMessage
	}
	verdict := p.Classifier.Classify(ctx, in.text, snippet)
	if verdict.HRN {
		if _, err := p.upsertContact(ctx, in, true, ""); err != nil {
			return OutcomeError, err
		}
		log.Info("Message escalated to a human",
			zap.String("stage", verdict.Stage.String()),
			zap.Float64("confidence", verdict.Confidence),
			zap.Strings("signals", verdict.Signals))
		p.notifyEscalation(ctx, in, verdict.Reason, verdict.Signals)
		return OutcomeEscalated, nil
	}

	// 3. Redelivery guard.
	duplicate, err := p.isDuplicate(ctx, in, now)
	if err != nil {
		return OutcomeError, err
	}
	if duplicate {
		log.Info("Duplicate delivery, not answering")
		return OutcomeDuplicate, nil
	}

	// 4. Trigger match.
	automations, err := p.Automations.ListByUser(ctx, integration.UserID)
	if err != nil {
		return OutcomeError, fmt.Errorf("failed to load automations: %w", err)
	}
	match := trigger.Match(automations, in.text, models.SurfaceDM, now)
	var keyword string
	if match != nil {
		keyword = match.Keyword
		if match.HRNEnforced {
			if _, err := p.upsertContact(ctx, in, true, keyword); err != nil {
				return OutcomeError, err
			}
			log.Info("Automation requires a human reply", zap.String("automation_id", match.ID))
			p.notifyEscalation(ctx, in, fmt.Sprintf("automation %q requires a human reply", match.Title), []string{"automation:" + keyword})
			return OutcomeEscalated, nil
		}
	}

	// 5. Build the reply.
	out := p.buildDMReply(ctx, in, contact, match, log)
	if out.empty() {
		if _, err := p.upsertContact(ctx, in, false, keyword); err != nil {
			return OutcomeError, err
		}
		log.Info("No reply produced")
		return OutcomeNoReply, nil
	}

	// 6-7. Deliver, then record the contact and the send.
	result, sendErr := p.send(ctx, integration, graphapi.Recipient{ID: in.senderID}, out)
	if _, err := p.upsertContact(ctx, in, false, keyword); err != nil {
		log.Error("Failed to record contact after send", zap.Error(err))
	}
	outcome := p.recordSend(ctx, sendRecord{
		integration: integration,
		threadKey:   in.threadKey,
		recipientID: in.senderID,
		inboundID:   in.messageID,
		out:         out,
		result:      result,
		err:         sendErr,
	}, log)

	// 8. Automation log.
	if match != nil {
		p.logAutomation(ctx, integration.UserID, match, in.threadKey, in.text, models.SurfaceDM, log)
	}
	return outcome, nil
}

func (p *Processor) isDuplicate(ctx context.Context, in inbound, now time.Time) (bool, error) {
	userID := in.integration.UserID
	if in.messageID != "" {
		seen, err := p.ActionLogs.HasInboundMessage(ctx, userID, in.messageID)
		if err != nil {
			return false, fmt.Errorf("failed to check inbound message: %w", err)
		}
		if seen {
			return true, nil
		}
		claimed, err := p.ActionLogs.ClaimInbound(ctx, userID, in.messageID, now)
		if err != nil {
			return false, fmt.Errorf("failed to claim inbound message: %w", err)
		}
		return !claimed, nil
	}

	if p.cfg.DedupWindow < 0 {
		return false, nil
	}
	recent, err := p.ActionLogs.HasRecentForThread(ctx, userID, in.threadKey, now.Add(-p.cfg.DedupWindow))
	if err != nil {
		return false, fmt.Errorf("failed to check recent thread activity: %w", err)
	}
	return recent, nil
}

func (p *Processor) upsertContact(ctx context.Context, in inbound, markHRN bool, keyword string) (*models.Contact, error) {
	contact, err := p.Contacts.UpsertInbound(ctx, models.InboundContact{
		UserID:         in.integration.UserID,
		RemoteID:       in.senderID,
		LastMessage:    in.text,
		LastMessageAt:  in.at,
		MarkHRN:        markHRN,
		TriggerMatched: keyword,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert contact: %w", err)
	}
	return contact, nil
}

func (p *Processor) notifyEscalation(ctx context.Context, in inbound, reason string, signals []string) {
	if p.Notifier == nil {
		return
	}
	err := p.Notifier.NotifyEscalation(ctx, notify.Escalation{
		UserID:    in.integration.UserID,
		AccountID: in.integration.AccountID,
		RemoteID:  in.senderID,
		Text:      in.text,
		Reason:    reason,
		Signals:   signals,
	})
	if err != nil {
		p.logger.Warn("Failed to send escalation alert", zap.String("thread_key", in.threadKey), zap.Error(err))
	}
}

func (p *Processor) logAutomation(ctx context.Context, userID string, match *models.Automation, threadKey, text string, surface models.Surface, log *zap.Logger) {
	err := p.Automations.AppendActionLog(ctx, &models.AutomationActionLog{
		UserID:       userID,
		AutomationID: match.ID,
		ThreadKey:    threadKey,
		Trigger:      text,
		Action:       models.TriggeredAction(match.Scope, surface),
	})
	if err != nil {
		log.Error("Failed to record automation action", zap.String("automation_id", match.ID), zap.Error(err))
	}
}

func isDuplicateErr(err error) bool {
	return errors.Is(err, repository.ErrDuplicate)
}
