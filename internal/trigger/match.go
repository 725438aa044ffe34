// Package trigger selects the automation that answers an inbound message.
package trigger

import (
	"strings"
	"time"

	"replydesk/internal/models"
)

// Match returns the first live automation, in the given order, whose keyword
// occurs case-insensitively in text and whose scope accepts surface. It
// returns nil when nothing matches. Callers pass automations in creation order.
func Match(automations []*models.Automation, text string, surface models.Surface, now time.Time) *models.Automation {
	lowered := strings.ToLower(text)
	for _, automation := range automations {
		if automation == nil || !automation.Live(now) {
			continue
		}
		if !automation.Scope.Accepts(surface) {
			continue
		}
		keyword := strings.ToLower(strings.TrimSpace(automation.Keyword))
		if keyword == "" {
			continue
		}
		if strings.Contains(lowered, keyword) {
			return automation
		}
	}
	return nil
}
