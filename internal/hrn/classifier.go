// Package hrn decides whether an inbound message needs a human instead of an
// automated reply. Rules run first; the model is only asked when no rule is
// conclusive, and every model failure escalates.
package hrn

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"replydesk/internal/llm"

	"go.uber.org/zap"
)

// MaxInputRunes bounds the text any rule or prompt sees.
const MaxInputRunes = 1200

// Stage names the cascade step that produced a result.
type Stage int

const (
	StageRiskTerm Stage = iota + 1
	StageDocumentReview
	StageAcknowledgment
	StageModel
)

func (s Stage) String() string {
	switch s {
	case StageRiskTerm:
		return "risk_term"
	case StageDocumentReview:
		return "document_review"
	case StageAcknowledgment:
		return "acknowledgment"
	case StageModel:
		return "model"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

const (
	riskConfidence     = 0.95
	documentConfidence = 0.9
	ackConfidence      = 0.15
	failSafeConfidence = 0.2
	maxAckLength       = 20
)

// Result is a classification decision.
type Result struct {
	HRN        bool     `json:"hrn"`
	Confidence float64  `json:"confidence"`
	Signals    []string `json:"signals"`
	Reason     string   `json:"reason"`
	Stage      Stage    `json:"stage"`
}

var (
	riskPattern = regexp.MustCompile(`(?i)\b(refund\w*|cancel\w*|legal\w*|lawyer\w*|attorney\w*|lawsuit\w*|sue|suing|pricing|negotiat\w*|deadline\w*|complain\w*|chargeback\w*|dispute\w*|fraud\w*|scam\w*)\b`)

	documentPattern = regexp.MustCompile(`(?i)\b(pdf|contract\w*|invoice\w*|agreement\w*|proposal\w*|document\w*|nda|quote|quotation|terms)\b`)
	reviewPattern   = regexp.MustCompile(`(?i)\b(review\w*|sign|signs|signed|signing|signature|approv\w*|proofread\w*|countersign\w*|look over|check over)\b`)
)

var acknowledgments = map[string]struct{}{
	"ok": {}, "okay": {}, "ok thanks": {}, "okay thanks": {}, "k": {}, "kk": {},
	"thanks": {}, "thank you": {}, "thanks so much": {}, "thx": {}, "ty": {}, "tysm": {},
	"sounds good": {}, "great": {}, "great thanks": {}, "cool": {}, "got it": {},
	"perfect": {}, "awesome": {}, "nice": {}, "noted": {}, "will do": {}, "cheers": {},
	"yes": {}, "yep": {}, "yeah": {}, "sure": {}, "alright": {}, "all good": {},
}

const systemPrompt = `You decide whether a direct message sent to a small business needs a human to answer it instead of an automated assistant.

Answer hrn=true when the message involves money beyond a simple price lookup, complaints, legal matters, custom requests, commitments or deadlines, personal or sensitive topics, or anything ambiguous. Answer hrn=false only for simple questions, greetings and small talk an assistant can safely handle. When unsure, answer hrn=true.

Respond with strict JSON only, no prose, in this shape:
{"hrn": true|false, "confidence": 0.0-1.0, "signals": ["short tag", ...], "reason": "one sentence"}`

const fewShot = `Examples:
Message: "hey! do you ship to canada?"
{"hrn": false, "confidence": 0.8, "signals": ["simple_question"], "reason": "Shipping availability is a routine question."}

Message: "my order came broken and nobody is answering me"
{"hrn": true, "confidence": 0.9, "signals": ["complaint", "order_issue"], "reason": "An upset customer with a damaged order needs a person."}

Message: "can we do a custom bundle for my team of 40?"
{"hrn": true, "confidence": 0.8, "signals": ["custom_request"], "reason": "Custom volume deals need human judgment."}

Message: "love your last post 😍"
{"hrn": false, "confidence": 0.85, "signals": ["small_talk"], "reason": "A compliment needs no human decision."}`

// Classifier runs the escalation cascade.
type Classifier struct {
	generator llm.Generator
	logger    *zap.Logger
}

// NewClassifier creates a classifier. A nil generator makes every message
// that reaches the model stage escalate.
func NewClassifier(generator llm.Generator, logger *zap.Logger) *Classifier {
	return &Classifier{generator: generator, logger: logger.Named("hrn")}
}

// Classify decides whether message needs a human. contextSnippet is optional
// recent conversation text passed to the model only.
func (c *Classifier) Classify(ctx context.Context, message, contextSnippet string) Result {
	text := Sanitize(message)

	if terms := matches(riskPattern, text); len(terms) > 0 {
		return Result{
			HRN:        true,
			Confidence: riskConfidence,
			Signals:    prefixed("risk:", terms),
			Reason:     "message mentions a sensitive topic",
			Stage:      StageRiskTerm,
		}
	}

	if docs := matches(documentPattern, text); len(docs) > 0 {
		if verbs := matches(reviewPattern, text); len(verbs) > 0 {
			return Result{
				HRN:        true,
				Confidence: documentConfidence,
				Signals:    append(prefixed("document:", docs), prefixed("review:", verbs)...),
				Reason:     "message asks for a document to be reviewed or signed",
				Stage:      StageDocumentReview,
			}
		}
	}

	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) <= maxAckLength {
		if _, ok := acknowledgments[normalize(trimmed)]; ok {
			return Result{
				HRN:        false,
				Confidence: ackConfidence,
				Signals:    []string{"acknowledgment"},
				Reason:     "message is a short acknowledgment",
				Stage:      StageAcknowledgment,
			}
		}
	}

	return c.classifyWithModel(ctx, text, Sanitize(contextSnippet))
}

func (c *Classifier) classifyWithModel(ctx context.Context, text, contextSnippet string) Result {
	if c.generator == nil {
		return failSafe("no classifier model configured")
	}

	var prompt strings.Builder
	prompt.WriteString(fewShot)
	prompt.WriteString("\n\n")
	if contextSnippet != "" {
		fmt.Fprintf(&prompt, "Recent conversation:\n%s\n\n", contextSnippet)
	}
	fmt.Fprintf(&prompt, "Message: %q\n", text)

	output, err := c.generator.Generate(ctx, systemPrompt, prompt.String())
	if err != nil {
		c.logger.Warn("Classifier model failed, escalating", zap.Error(err))
		return failSafe("classifier model unavailable")
	}

	result, ok := ParseModelOutput(output)
	if !ok {
		c.logger.Warn("Classifier model returned invalid output, escalating",
			zap.String("output", truncate(output, 200)))
		return failSafe("classifier output could not be parsed")
	}
	return result
}

// ParseModelOutput reads the model's JSON verdict. It reports false when the
// output carries no usable hrn decision.
func ParseModelOutput(output string) (Result, bool) {
	raw := llm.ExtractJSON(output)
	if raw == "" {
		return Result{}, false
	}

	var verdict struct {
		HRN        *bool    `json:"hrn"`
		Confidence *float64 `json:"confidence"`
		Signals    []string `json:"signals"`
		Reason     string   `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil || verdict.HRN == nil {
		return Result{}, false
	}

	confidence := 0.5
	if verdict.Confidence != nil {
		confidence = clamp(*verdict.Confidence)
	}
	return Result{
		HRN:        *verdict.HRN,
		Confidence: confidence,
		Signals:    verdict.Signals,
		Reason:     verdict.Reason,
		Stage:      StageModel,
	}, true
}

func failSafe(reason string) Result {
	return Result{
		HRN:        true,
		Confidence: failSafeConfidence,
		Signals:    []string{"fail_safe"},
		Reason:     reason,
		Stage:      StageModel,
	}
}

// Sanitize strips control characters and angle brackets and truncates to
// MaxInputRunes.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n >= MaxInputRunes {
			break
		}
		switch {
		case r == '<' || r == '>':
			continue
		case r == '\n' || r == '\t' || r == '\r':
			r = ' '
		case unicode.IsControl(r):
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

func matches(re *regexp.Regexp, text string) []string {
	found := re.FindAllString(text, -1)
	if len(found) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(found))
	out := found[:0]
	for _, term := range found {
		term = strings.ToLower(term)
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	return out
}

func prefixed(prefix string, terms []string) []string {
	out := make([]string, len(terms))
	for i, term := range terms {
		out[i] = prefix + term
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
