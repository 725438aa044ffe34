// Package reply builds outbound DM and comment text.
package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"replydesk/internal/llm"
	"replydesk/internal/models"

	"go.uber.org/zap"
)

// MaxReplyRunes is the longest text the platform accepts in one message.
const MaxReplyRunes = 1000

// FallbackAcknowledgment is sent on comments when prompt generation fails.
const FallbackAcknowledgment = "Thanks for reaching out! We just sent you the details in a DM."

var ErrEmptyReply = errors.New("generator returned an empty reply")

// Turn is one line of conversation history, oldest first.
type Turn struct {
	FromContact bool
	Text        string
}

// Generator writes replies through the configured model.
type Generator struct {
	llm    llm.Generator
	logger *zap.Logger
}

func NewGenerator(generator llm.Generator, logger *zap.Logger) *Generator {
	return &Generator{llm: generator, logger: logger.Named("reply")}
}

const generalSystemPrompt = `You reply to Instagram direct messages on behalf of a small business owner.
Write one short, natural reply in the same language as the customer. Never invent prices, dates or promises
that the profile below does not state. Do not use markdown. Reply with the message text only.`

// General writes a reply to inbound using the owner's profile and the
// conversation so far.
func (g *Generator) General(ctx context.Context, profile *models.ReplyProfile, history []Turn, inbound string) (string, error) {
	if g.llm == nil {
		return "", ErrEmptyReply
	}

	var system strings.Builder
	system.WriteString(generalSystemPrompt)
	if profile != nil {
		writeProfile(&system, profile)
	}

	var user strings.Builder
	if len(history) > 0 {
		user.WriteString("Conversation so far:\n")
		for _, turn := range history {
			who := "Business"
			if turn.FromContact {
				who = "Customer"
			}
			fmt.Fprintf(&user, "%s: %s\n", who, turn.Text)
		}
		user.WriteString("\n")
	}
	fmt.Fprintf(&user, "Customer's latest message: %s\n", inbound)

	return g.generate(ctx, system.String(), user.String())
}

const promptSystemPrompt = `You write a single reply to a customer message following the business owner's instructions exactly.
Keep it short and friendly. Do not use markdown. Reply with the message text only.`

// FromPrompt writes a reply to inbound following an automation's instructions.
func (g *Generator) FromPrompt(ctx context.Context, instructions, inbound string) (string, error) {
	if g.llm == nil {
		return "", ErrEmptyReply
	}
	user := fmt.Sprintf("Instructions:\n%s\n\nCustomer message:\n%s\n", instructions, inbound)
	return g.generate(ctx, promptSystemPrompt, user)
}

func (g *Generator) generate(ctx context.Context, system, user string) (string, error) {
	output, err := g.llm.Generate(ctx, system, user)
	if err != nil {
		return "", fmt.Errorf("reply generation failed: %w", err)
	}
	text := Clean(output)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func writeProfile(b *strings.Builder, profile *models.ReplyProfile) {
	if profile.Persona != "" {
		fmt.Fprintf(b, "\n\nYou are: %s", profile.Persona)
	}
	if profile.Tone != "" {
		fmt.Fprintf(b, "\nTone: %s", profile.Tone)
	}
	if len(profile.Offers) > 0 {
		b.WriteString("\nOffers:")
		for _, offer := range profile.Offers {
			fmt.Fprintf(b, "\n- %s", offer)
		}
	}
	if len(profile.FAQs) > 0 {
		b.WriteString("\nFrequently asked questions:")
		for _, faq := range profile.FAQs {
			fmt.Fprintf(b, "\nQ: %s\nA: %s", faq.Question, faq.Answer)
		}
	}
	if profile.Signature != "" {
		fmt.Fprintf(b, "\nEnd replies with: %s", profile.Signature)
	}
}

// Clean trims model output to sendable text: surrounding whitespace and
// quotes removed, capped at MaxReplyRunes.
func Clean(output string) string {
	text := strings.TrimSpace(output)
	if len(text) >= 2 && strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) {
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	if r := []rune(text); len(r) > MaxReplyRunes {
		text = string(r[:MaxReplyRunes])
	}
	return text
}
