package webhook

import (
	"context"
	"fmt"
	"strings"

	"replydesk/internal/graphapi"
	"replydesk/internal/models"
	"replydesk/internal/reply"
	"replydesk/internal/trigger"

	"go.uber.org/zap"
)

// commentReceiptPrefix keeps comment ids apart from DM message ids in the
// receipt table.
const commentReceiptPrefix = "comment:"

func (p *Processor) handleComment(ctx context.Context, entry Entry, change Change) (Outcome, error) {
	if change.Field != fieldComments {
		return OutcomeIgnored, nil
	}
	comment := change.Value
	accountID := entry.ID
	if accountID == "" {
		return OutcomeIgnored, nil
	}

	integration, err := p.Integrations.GetByAccountID(ctx, accountID)
	if err != nil {
		return OutcomeError, fmt.Errorf("failed to resolve integration for account %s: %w", accountID, err)
	}
	if integration == nil {
		return OutcomeIgnored, nil
	}
	if comment.From.ID == accountID || comment.ID == "" {
		return OutcomeIgnored, nil
	}

	now := p.now().UTC()
	if p.disconnected(integration, now) {
		return OutcomeIgnored, nil
	}
	threadKey := models.CommentThreadKey(accountID, comment.ID)
	log := p.logger.With(
		zap.String("user_id", integration.UserID),
		zap.String("account_id", accountID),
		zap.String("comment_id", comment.ID))

	claimed, err := p.ActionLogs.ClaimInbound(ctx, integration.UserID, commentReceiptPrefix+comment.ID, now)
	if err != nil {
		return OutcomeError, fmt.Errorf("failed to claim comment: %w", err)
	}
	if !claimed {
		log.Info("Duplicate comment delivery, not answering")
		return OutcomeDuplicate, nil
	}

	// Comments never touch contact state; an escalated comment just gets no reply.
	verdict := p.Classifier.Classify(ctx, comment.Text, "")
	if verdict.HRN {
		log.Info("Comment needs a human, not answering",
			zap.String("stage", verdict.Stage.String()),
			zap.Strings("signals", verdict.Signals))
		return OutcomeEscalated, nil
	}

	automations, err := p.Automations.ListByUser(ctx, integration.UserID)
	if err != nil {
		return OutcomeError, fmt.Errorf("failed to load automations: %w", err)
	}
	match := trigger.Match(automations, comment.Text, models.SurfaceComment, now)
	if match == nil {
		return OutcomeNoMatch, nil
	}
	log = log.With(zap.String("automation_id", match.ID))

	out := p.buildCommentReply(ctx, match, comment.Text, log)
	to := graphapi.Recipient{CommentID: comment.ID}
	result, sendErr := p.send(ctx, integration, to, out)
	outcome := p.recordSend(ctx, sendRecord{
		integration: integration,
		threadKey:   threadKey,
		recipientID: comment.ID,
		out:         out,
		result:      result,
		err:         sendErr,
	}, log)

	p.logAutomation(ctx, integration.UserID, match, threadKey, comment.Text, models.SurfaceComment, log)

	if match.PublicReply != nil && strings.TrimSpace(*match.PublicReply) != "" {
		public := outbound{kind: models.KindCommentPublicReply, text: strings.TrimSpace(*match.PublicReply)}
		result, err := p.Messenger.ReplyToComment(ctx, integration.AccessToken, comment.ID, public.text)
		p.recordSend(ctx, sendRecord{
			integration: integration,
			threadKey:   threadKey,
			recipientID: comment.ID,
			out:         public,
			result:      result,
			err:         err,
			bestEffort:  true,
		}, log)
	}
	return outcome, nil
}

// buildCommentReply prefers a template private reply. Plain text goes out
// only when no valid template exists.
func (p *Processor) buildCommentReply(ctx context.Context, match *models.Automation, text string, log *zap.Logger) outbound {
	switch match.ResponseType {
	case models.ResponseGenericTemplate:
		elements, err := reply.ParseTemplate(match.ResponseContent)
		if err == nil {
			return outbound{kind: models.KindCommentTemplate, elements: elements}
		}
		log.Warn("Automation template is invalid, sending acknowledgment", zap.Error(err))
		return outbound{kind: models.KindCommentPrivateReply, text: reply.FallbackAcknowledgment}
	case models.ResponseAIPrompt:
		generated, err := p.Replies.FromPrompt(ctx, match.ResponseContent, text)
		if err != nil {
			log.Warn("Automation prompt generation failed, sending acknowledgment", zap.Error(err))
			generated = reply.FallbackAcknowledgment
		}
		return outbound{kind: models.KindCommentPrivateReply, text: generated}
	case models.ResponseFixed:
		if content := strings.TrimSpace(match.ResponseContent); content != "" {
			return outbound{kind: models.KindCommentPrivateReply, text: content}
		}
	}
	return outbound{kind: models.KindCommentPrivateReply, text: reply.FallbackAcknowledgment}
}
