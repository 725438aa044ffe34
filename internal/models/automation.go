package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// Surface is the inbound channel an event arrived on.
type Surface string

const (
	SurfaceDM      Surface = "dm"
	SurfaceComment Surface = "comment"
)

// Scope is the set of surfaces an automation applies to.
type Scope string

const (
	ScopeDM      Scope = "dm"
	ScopeComment Scope = "comment"
	ScopeBoth    Scope = "both"
)

// ParseScope maps a stored scope to its variant. Rows written before scopes
// existed carry an empty value and are treated as DM automations.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeDM:
		return ScopeDM, nil
	case ScopeComment:
		return ScopeComment, nil
	case ScopeBoth:
		return ScopeBoth, nil
	}
	return "", fmt.Errorf("unknown automation scope %q", s)
}

// Accepts reports whether an automation with this scope may fire on surface.
func (s Scope) Accepts(surface Surface) bool {
	switch s {
	case ScopeBoth:
		return true
	case ScopeDM, "":
		return surface == SurfaceDM
	case ScopeComment:
		return surface == SurfaceComment
	}
	return false
}

// Scan implements sql.Scanner.
func (s *Scope) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("unsupported scope type %T", src)
	}
	parsed, err := ParseScope(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer.
func (s Scope) Value() (driver.Value, error) {
	return string(s), nil
}

// ResponseType selects how an automation builds its reply.
type ResponseType string

const (
	ResponseFixed           ResponseType = "fixed"
	ResponseAIPrompt        ResponseType = "ai_prompt"
	ResponseGenericTemplate ResponseType = "generic_template"
)

// Valid reports whether t is a known response type.
func (t ResponseType) Valid() bool {
	switch t {
	case ResponseFixed, ResponseAIPrompt, ResponseGenericTemplate:
		return true
	}
	return false
}

// Automation is a user-authored auto-reply rule.
type Automation struct {
	ID              string       `db:"id" json:"id"`
	UserID          string       `db:"user_id" json:"user_id"`
	Title           string       `db:"title" json:"title"`
	Keyword         string       `db:"keyword" json:"keyword"`
	Scope           Scope        `db:"scope" json:"scope"`
	ResponseType    ResponseType `db:"response_type" json:"response_type"`
	ResponseContent string       `db:"response_content" json:"response_content"`
	PublicReply     *string      `db:"public_reply" json:"public_reply,omitempty"`
	HRNEnforced     bool         `db:"hrn_enforced" json:"hrn_enforced"`
	IsActive        bool         `db:"is_active" json:"is_active"`
	ExpiresAt       *time.Time   `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
}

// Live reports whether the automation is active and unexpired at now.
func (a *Automation) Live(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// AutomationAction tags an AutomationActionLog row.
type AutomationAction string

const (
	ActionCommentAutomationTriggered    AutomationAction = "comment_automation_triggered"
	ActionDMAutomationTriggered         AutomationAction = "dm_automation_triggered"
	ActionDMAndCommentAutomationTrigger AutomationAction = "dm_and_comment_automation_triggered"
)

// TriggeredAction returns the log tag for an automation firing on surface.
func TriggeredAction(scope Scope, surface Surface) AutomationAction {
	switch surface {
	case SurfaceComment:
		return ActionCommentAutomationTriggered
	case SurfaceDM:
		switch scope {
		case ScopeBoth:
			return ActionDMAndCommentAutomationTrigger
		case ScopeDM, ScopeComment, "":
			return ActionDMAutomationTriggered
		}
	}
	return ActionDMAutomationTriggered
}

// AutomationActionLog records which automation fired for which thread.
type AutomationActionLog struct {
	ID           string           `db:"id" json:"id"`
	UserID       string           `db:"user_id" json:"user_id"`
	AutomationID string           `db:"automation_id" json:"automation_id"`
	ThreadKey    string           `db:"thread_key" json:"thread_key"`
	Trigger      string           `db:"trigger_text" json:"trigger_text"`
	Action       AutomationAction `db:"action" json:"action"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
}
