package contactsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"replydesk/internal/graphapi"
	"replydesk/internal/llm"
	"replydesk/internal/models"
)

const analysisSystemPrompt = `You analyze Instagram direct message conversations between a small business and a potential customer.
Return ONLY a JSON object with exactly these fields:
{"stage": "new|lead|follow-up|ghosted", "sentiment": "hot|warm|cold|neutral|ghosted", "leadScore": 0-100, "nextAction": "short suggestion", "leadValue": estimated deal value as a number}

Definitions:
- new: first contact, no buying intent shown yet
- lead: the customer asked about products, prices or availability
- follow-up: the conversation stalled and the business should write again
- ghosted: the customer stopped answering the business
Use leadValue 0 when there is no basis for an estimate.`

// neutralAnalysis is what a conversation gets when the model output is unusable.
func neutralAnalysis() models.Analysis {
	return models.Analysis{Stage: models.StageNew, Sentiment: models.SentimentNeutral}
}

// analyze asks the model for a structured read of messages (newest first).
// Generation failures are returned; unparseable output is not.
func analyze(ctx context.Context, generator llm.Generator, contactID string, messages []graphapi.Message) (models.Analysis, error) {
	output, err := generator.Generate(ctx, analysisSystemPrompt, transcript(contactID, messages))
	if err != nil {
		return neutralAnalysis(), fmt.Errorf("conversation analysis failed: %w", err)
	}
	analysis, _ := ParseAnalysis(output)
	return analysis, nil
}

// transcript renders messages oldest first.
func transcript(contactID string, messages []graphapi.Message) string {
	var b strings.Builder
	b.WriteString("Conversation (oldest first):\n")
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Text == "" {
			continue
		}
		who := "Business"
		if m.FromID == contactID {
			who = "Customer"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedTime.Format("2006-01-02 15:04"), who, m.Text)
	}
	return b.String()
}

type rawAnalysis struct {
	Stage      string          `json:"stage"`
	Sentiment  string          `json:"sentiment"`
	LeadScore  json.RawMessage `json:"leadScore"`
	NextAction string          `json:"nextAction"`
	LeadValue  json.RawMessage `json:"leadValue"`
}

// ParseAnalysis decodes model output. It reports false and returns neutral
// zero values when the output holds no usable JSON object.
func ParseAnalysis(output string) (models.Analysis, bool) {
	raw := llm.ExtractJSON(output)
	if raw == "" {
		return neutralAnalysis(), false
	}

	var decoded rawAnalysis
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return neutralAnalysis(), false
	}

	analysis := models.Analysis{
		Stage:      models.ParseStage(decoded.Stage),
		Sentiment:  models.ParseSentiment(decoded.Sentiment),
		NextAction: strings.TrimSpace(decoded.NextAction),
	}
	analysis.LeadScore = clampScore(int(parseNumber(decoded.LeadScore)))
	analysis.LeadValue = nonNegative(parseNumber(decoded.LeadValue))
	return analysis, true
}

func clampScore(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}

// parseNumber accepts numbers and numeric strings such as "$1,200".
// Anything else, including NaN and infinities, is zero.
func parseNumber(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0
	}
	return n
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
