package webhook

import (
	"context"
	"encoding/json"
	"strings"

	"replydesk/internal/graphapi"
	"replydesk/internal/models"
	"replydesk/internal/reply"

	"go.uber.org/zap"
)

// outbound is a reply ready to send: either text or template elements.
type outbound struct {
	kind     models.ActionKind
	text     string
	elements []graphapi.TemplateElement
}

func (o outbound) empty() bool {
	return strings.TrimSpace(o.text) == "" && len(o.elements) == 0
}

func (o outbound) logText() string {
	if len(o.elements) > 0 {
		return reply.TemplateSummary(o.elements)
	}
	return o.text
}

func (p *Processor) buildDMReply(ctx context.Context, in inbound, contact *models.Contact, match *models.Automation, log *zap.Logger) outbound {
	if match == nil {
		return outbound{kind: models.KindDMReply, text: p.generalReply(ctx, in, contact, log)}
	}

	switch match.ResponseType {
	case models.ResponseFixed:
		return outbound{kind: models.KindDMReply, text: strings.TrimSpace(match.ResponseContent)}
	case models.ResponseAIPrompt:
		text, err := p.Replies.FromPrompt(ctx, match.ResponseContent, in.text)
		if err != nil {
			log.Warn("Automation prompt generation failed", zap.String("automation_id", match.ID), zap.Error(err))
			return outbound{}
		}
		return outbound{kind: models.KindDMReply, text: text}
	case models.ResponseGenericTemplate:
		elements, err := reply.ParseTemplate(match.ResponseContent)
		if err != nil {
			log.Warn("Automation template is invalid", zap.String("automation_id", match.ID), zap.Error(err))
			return outbound{}
		}
		return outbound{kind: models.KindDMTemplate, elements: elements}
	}
	log.Warn("Automation has an unknown response type",
		zap.String("automation_id", match.ID),
		zap.String("response_type", string(match.ResponseType)))
	return outbound{}
}

// generalReply answers with the live conversation as context, falling back
// to the last stored message and finally to the inbound text alone.
func (p *Processor) generalReply(ctx context.Context, in inbound, contact *models.Contact, log *zap.Logger) string {
	profile, err := p.Profiles.GetReplyProfile(ctx, in.integration.UserID)
	if err != nil {
		log.Warn("Failed to load reply profile", zap.Error(err))
		profile = nil
	}

	history := p.liveHistory(ctx, in, log)
	if len(history) == 0 && contact != nil && contact.LastMessage != "" {
		history = []reply.Turn{{FromContact: true, Text: contact.LastMessage}}
	}

	text, err := p.Replies.General(ctx, profile, history, in.text)
	if err != nil {
		log.Warn("General reply generation failed", zap.Error(err))
		return ""
	}
	return text
}

func (p *Processor) liveHistory(ctx context.Context, in inbound, log *zap.Logger) []reply.Turn {
	token := in.integration.AccessToken
	conversationID, err := p.Messenger.FindConversationWith(ctx, token, in.senderID)
	if err != nil {
		log.Debug("Failed to find conversation for history", zap.Error(err))
		return nil
	}
	if conversationID == "" {
		return nil
	}

	messages, err := p.Messenger.ListMessages(ctx, token, conversationID, p.cfg.HistoryLimit)
	if err != nil {
		log.Debug("Failed to fetch conversation history", zap.Error(err))
		return nil
	}

	// Messages arrive newest first.
	turns := make([]reply.Turn, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Text == "" {
			continue
		}
		turns = append(turns, reply.Turn{FromContact: m.FromID == in.senderID, Text: m.Text})
	}
	return turns
}

func (p *Processor) send(ctx context.Context, integration *models.Integration, to graphapi.Recipient, out outbound) (*graphapi.SendResult, error) {
	var (
		result *graphapi.SendResult
		err    error
	)
	if len(out.elements) > 0 {
		result, err = p.Messenger.SendTemplate(ctx, integration.AccessToken, integration.AccountID, to, out.elements)
	} else {
		result, err = p.Messenger.SendText(ctx, integration.AccessToken, integration.AccountID, to, out.text)
	}

	if graphapi.IsKind(err, graphapi.KindTokenExpired) {
		if markErr := p.Integrations.MarkReconnectRequired(ctx, integration.ID); markErr != nil {
			p.logger.Error("Failed to flag integration for reconnection",
				zap.String("integration_id", integration.ID), zap.Error(markErr))
		}
	}
	return result, err
}

type sendRecord struct {
	integration *models.Integration
	threadKey   string
	recipientID string
	inboundID   string
	out         outbound
	result      *graphapi.SendResult
	err         error
	// bestEffort sends are logged on failure but not parked for retry.
	bestEffort bool
}

// recordSend appends the send to the action log. Failed sends are parked in
// the dead-letter outbox in the same transaction.
func (p *Processor) recordSend(ctx context.Context, rec sendRecord, log *zap.Logger) Outcome {
	entry := &models.ActionLog{
		UserID:      rec.integration.UserID,
		ThreadKey:   rec.threadKey,
		RecipientID: rec.recipientID,
		Kind:        rec.out.kind,
		Text:        rec.out.logText(),
		Result:      models.ResultSent,
	}
	if rec.inboundID != "" {
		inboundID := rec.inboundID
		entry.InboundMessageID = &inboundID
	}

	if rec.err == nil {
		if rec.result != nil && rec.result.MessageID != "" {
			providerID := rec.result.MessageID
			entry.ProviderMessageID = &providerID
		}
		if err := p.ActionLogs.Append(ctx, entry); err != nil {
			if isDuplicateErr(err) {
				log.Warn("Send already logged for this inbound message")
			} else {
				log.Error("Failed to record sent reply", zap.Error(err))
			}
		}
		log.Info("Reply sent", zap.String("kind", string(rec.out.kind)))
		return OutcomeSent
	}

	entry.Result = models.ResultFailed
	log.Error("Failed to deliver reply",
		zap.String("kind", string(rec.out.kind)),
		zap.String("error_kind", string(graphapi.KindOf(rec.err))),
		zap.Error(rec.err))

	// A rejected token is never retried; the owner has to reconnect first.
	if rec.bestEffort || graphapi.IsKind(rec.err, graphapi.KindTokenExpired) {
		if err := p.ActionLogs.Append(ctx, entry); err != nil {
			log.Error("Failed to record failed reply", zap.Error(err))
		}
		return OutcomeFailed
	}

	letter := &models.DeadLetter{
		UserID:        rec.integration.UserID,
		ThreadKey:     rec.threadKey,
		RecipientID:   rec.recipientID,
		Kind:          rec.out.kind,
		Text:          rec.out.text,
		Attempts:      1,
		NextAttemptAt: p.now().UTC().Add(firstRetryDelay),
		LastError:     rec.err.Error(),
	}
	if len(rec.out.elements) > 0 {
		raw, err := json.Marshal(rec.out.elements)
		if err != nil {
			log.Error("Failed to encode template for retry", zap.Error(err))
		}
		letter.Template = string(raw)
	}
	if err := p.ActionLogs.AppendWithDeadLetter(ctx, entry, letter); err != nil {
		log.Error("Failed to record failed reply", zap.Error(err))
	}
	return OutcomeFailed
}
