// Package memory is an in-process implementation of the repository
// interfaces with the same conflict semantics as the SQL store.
package memory

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"replydesk/internal/models"
	"replydesk/internal/repository"

	"github.com/google/uuid"
)

// Store holds every table behind one mutex. Each view returned by the
// accessor methods satisfies one repository interface.
type Store struct {
	mu sync.Mutex

	integrations   map[string]*models.Integration
	contacts       map[contactKey]*models.Contact
	automations    []*models.Automation
	automationLogs []*models.AutomationActionLog
	actionLogs     []*models.ActionLog
	receipts       map[contactKey]time.Time
	deadLetters    map[string]*models.DeadLetter
	profiles       map[string]*models.ReplyProfile
	users          map[string]struct{}
}

type contactKey struct {
	userID   string
	remoteID string
}

func NewStore() *Store {
	return &Store{
		integrations: make(map[string]*models.Integration),
		contacts:     make(map[contactKey]*models.Contact),
		receipts:     make(map[contactKey]time.Time),
		deadLetters:  make(map[string]*models.DeadLetter),
		profiles:     make(map[string]*models.ReplyProfile),
		users:        make(map[string]struct{}),
	}
}

func (s *Store) Integrations() repository.IntegrationRepository { return (*integrationView)(s) }
func (s *Store) Contacts() repository.ContactRepository         { return (*contactView)(s) }
func (s *Store) ActionLogs() repository.ActionLogRepository     { return (*actionLogView)(s) }
func (s *Store) DeadLetters() repository.DeadLetterRepository   { return (*deadLetterView)(s) }
func (s *Store) Automations() repository.AutomationRepository   { return (*automationView)(s) }
func (s *Store) Profiles() repository.ProfileRepository         { return (*profileView)(s) }

// ---- integrations ----

type integrationView Store

func (v *integrationView) Create(_ context.Context, integration *models.Integration) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if integration.ID == "" {
		integration.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	integration.CreatedAt, integration.UpdatedAt = now, now
	for _, existing := range s.integrations {
		if existing.AccountID == integration.AccountID {
			return repository.ErrDuplicate
		}
	}
	cp := *integration
	s.integrations[cp.ID] = &cp
	return nil
}

func (v *integrationView) GetByUserID(_ context.Context, userID string) (*models.Integration, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Integration
	for _, integration := range s.integrations {
		if integration.UserID != userID {
			continue
		}
		if found == nil || integration.CreatedAt.Before(found.CreatedAt) {
			found = integration
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (v *integrationView) GetByAccountID(_ context.Context, accountID string) (*models.Integration, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, integration := range s.integrations {
		if integration.AccountID == accountID {
			cp := *integration
			return &cp, nil
		}
	}
	return nil, nil
}

func (v *integrationView) ListAll(_ context.Context) ([]*models.Integration, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterIntegrations(func(*models.Integration) bool { return true }), nil
}

func (v *integrationView) ListExpiringBetween(_ context.Context, from, to time.Time) ([]*models.Integration, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterIntegrations(func(i *models.Integration) bool {
		return i.ExpiresAt != nil && i.ExpiresAt.After(from) && !i.ExpiresAt.After(to) && !i.ReconnectRequired
	}), nil
}

func (s *Store) filterIntegrations(keep func(*models.Integration) bool) []*models.Integration {
	var out []*models.Integration
	for _, integration := range s.integrations {
		if keep(integration) {
			cp := *integration
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (v *integrationView) UpdateToken(_ context.Context, id, token string, expiresAt time.Time) error {
	return v.update(id, func(i *models.Integration) {
		exp := expiresAt.UTC()
		i.AccessToken = token
		i.ExpiresAt = &exp
		i.ReconnectRequired = false
	})
}

func (v *integrationView) MarkSynced(_ context.Context, id string, at time.Time) error {
	return v.update(id, func(i *models.Integration) {
		t := at.UTC()
		i.LastSyncedAt = &t
	})
}

func (v *integrationView) MarkReconnectRequired(_ context.Context, id string) error {
	return v.update(id, func(i *models.Integration) { i.ReconnectRequired = true })
}

func (v *integrationView) update(id string, fn func(*models.Integration)) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	integration, ok := s.integrations[id]
	if !ok {
		return sql.ErrNoRows
	}
	fn(integration)
	integration.UpdatedAt = time.Now().UTC()
	return nil
}

// ---- contacts ----

type contactView Store

func (v *contactView) GetByRemoteID(_ context.Context, userID, remoteID string) (*models.Contact, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	contact, ok := s.contacts[contactKey{userID, remoteID}]
	if !ok {
		return nil, nil
	}
	cp := *contact
	return &cp, nil
}

func (s *Store) contactFor(userID, remoteID string, now time.Time) *models.Contact {
	key := contactKey{userID, remoteID}
	contact, ok := s.contacts[key]
	if !ok {
		contact = &models.Contact{
			ID:        uuid.NewString(),
			UserID:    userID,
			RemoteID:  remoteID,
			Stage:     models.StageNew,
			Sentiment: models.SentimentNeutral,
			CreatedAt: now,
		}
		s.contacts[key] = contact
	}
	return contact
}

func setLastMessage(contact *models.Contact, text string, at time.Time) {
	at = at.UTC()
	if contact.LastMessageAt == nil || !at.Before(*contact.LastMessageAt) {
		contact.LastMessage = text
		contact.LastMessageAt = &at
	}
}

func (v *contactView) UpsertInbound(_ context.Context, in models.InboundContact) (*models.Contact, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()

	contact := s.contactFor(in.UserID, in.RemoteID, now)
	setLastMessage(contact, in.LastMessage, in.LastMessageAt)
	if in.MarkHRN {
		contact.RequiresHumanResponse = true
		if contact.HumanResponseSetAt == nil {
			contact.HumanResponseSetAt = &now
		}
	}
	if in.TriggerMatched != "" {
		trigger := in.TriggerMatched
		contact.TriggerMatched = &trigger
	}
	contact.FollowupNeeded = false
	contact.UpdatedAt = now

	cp := *contact
	return &cp, nil
}

func (v *contactView) UpsertSynced(_ context.Context, in models.SyncedContact, full bool) (*models.Contact, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()

	_, existed := s.contacts[contactKey{in.UserID, in.RemoteID}]
	contact := s.contactFor(in.UserID, in.RemoteID, now)
	if in.DisplayName != "" {
		contact.DisplayName = in.DisplayName
	}
	setLastMessage(contact, in.LastMessage, in.LastMessageAt)
	if full || !existed {
		a := in.Analysis
		contact.Stage = a.Stage
		contact.Sentiment = a.Sentiment
		contact.LeadScore = a.LeadScore
		contact.LeadValue = a.LeadValue
		contact.NextAction = a.NextAction
		contact.FollowupNeeded = in.Stale && a.Stage != models.StageGhosted
	} else {
		contact.FollowupNeeded = in.Stale && contact.Stage != models.StageGhosted
	}
	contact.UpdatedAt = now

	cp := *contact
	return &cp, nil
}

func (v *contactView) ListRemoteIDs(_ context.Context, userID string) (map[string]struct{}, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for key := range s.contacts {
		if key.userID == userID {
			out[key.remoteID] = struct{}{}
		}
	}
	return out, nil
}

func (v *contactView) ClearHumanResponse(_ context.Context, userID, remoteID string) (bool, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	contact, ok := s.contacts[contactKey{userID, remoteID}]
	if !ok {
		return false, nil
	}
	contact.RequiresHumanResponse = false
	contact.HumanResponseSetAt = nil
	contact.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ---- action logs ----

type actionLogView Store

func (s *Store) appendActionLog(entry *models.ActionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Platform == "" {
		entry.Platform = "instagram"
	}
	if entry.InboundMessageID != nil {
		for _, existing := range s.actionLogs {
			if existing.UserID == entry.UserID && existing.InboundMessageID != nil &&
				*existing.InboundMessageID == *entry.InboundMessageID {
				return repository.ErrDuplicate
			}
		}
	}
	cp := *entry
	s.actionLogs = append(s.actionLogs, &cp)
	return nil
}

func (v *actionLogView) Append(_ context.Context, entry *models.ActionLog) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendActionLog(entry)
}

func (v *actionLogView) AppendWithDeadLetter(_ context.Context, entry *models.ActionLog, letter *models.DeadLetter) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendActionLog(entry); err != nil {
		return err
	}
	now := time.Now().UTC()
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	if letter.Status == "" {
		letter.Status = models.DeadLetterPending
	}
	if letter.NextAttemptAt.IsZero() {
		letter.NextAttemptAt = now
	}
	letter.CreatedAt, letter.UpdatedAt = now, now
	cp := *letter
	s.deadLetters[cp.ID] = &cp
	return nil
}

func (v *actionLogView) HasInboundMessage(_ context.Context, userID, messageID string) (bool, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.actionLogs {
		if entry.UserID == userID && entry.InboundMessageID != nil && *entry.InboundMessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (v *actionLogView) HasRecentForThread(_ context.Context, userID, threadKey string, since time.Time) (bool, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.actionLogs {
		if entry.UserID == userID && entry.ThreadKey == threadKey && !entry.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (v *actionLogView) ClaimInbound(_ context.Context, userID, messageID string, at time.Time) (bool, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contactKey{userID, messageID}
	if _, ok := s.receipts[key]; ok {
		return false, nil
	}
	s.receipts[key] = at.UTC()
	return true, nil
}

func (v *actionLogView) ListByThread(_ context.Context, userID, threadKey string) ([]*models.ActionLog, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ActionLog
	for _, entry := range s.actionLogs {
		if entry.UserID == userID && entry.ThreadKey == threadKey {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ActionLogsFor returns every action log row for a user in append order.
func (s *Store) ActionLogsFor(userID string) []*models.ActionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ActionLog
	for _, entry := range s.actionLogs {
		if entry.UserID == userID {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out
}

// ---- dead letters ----

type deadLetterView Store

func (v *deadLetterView) ListDue(_ context.Context, now time.Time, limit int) ([]*models.DeadLetter, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DeadLetter
	for _, letter := range s.deadLetters {
		if letter.Status == models.DeadLetterPending && !letter.NextAttemptAt.After(now) {
			cp := *letter
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *deadLetterView) MarkDelivered(_ context.Context, id string, attempts int, entry *models.ActionLog) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.deadLetters[id]
	if !ok {
		return sql.ErrNoRows
	}
	entry.DeadLetterID = &id
	if err := s.appendActionLog(entry); err != nil {
		return err
	}
	letter.Status = models.DeadLetterDelivered
	letter.Attempts = attempts
	letter.LastError = ""
	letter.UpdatedAt = time.Now().UTC()
	return nil
}

func (v *deadLetterView) Reschedule(_ context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return v.update(id, func(l *models.DeadLetter) {
		l.Attempts = attempts
		l.NextAttemptAt = next.UTC()
		l.LastError = lastErr
	})
}

func (v *deadLetterView) Abandon(_ context.Context, id string, attempts int, lastErr string) error {
	return v.update(id, func(l *models.DeadLetter) {
		l.Status = models.DeadLetterAbandoned
		l.Attempts = attempts
		l.LastError = lastErr
	})
}

func (v *deadLetterView) update(id string, fn func(*models.DeadLetter)) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.deadLetters[id]
	if !ok {
		return sql.ErrNoRows
	}
	fn(letter)
	letter.UpdatedAt = time.Now().UTC()
	return nil
}

// DeadLetter returns a copy of the outbox row with id, or nil.
func (s *Store) DeadLetter(id string) *models.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.deadLetters[id]
	if !ok {
		return nil
	}
	cp := *letter
	return &cp
}

// ---- automations ----

type automationView Store

func (v *automationView) Create(_ context.Context, automation *models.Automation) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if automation.ID == "" {
		automation.ID = uuid.NewString()
	}
	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = time.Now().UTC()
	}
	if automation.Scope == "" {
		automation.Scope = models.ScopeDM
	}
	cp := *automation
	s.automations = append(s.automations, &cp)
	return nil
}

func (v *automationView) ListByUser(_ context.Context, userID string) ([]*models.Automation, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Automation
	for _, automation := range s.automations {
		if automation.UserID == userID {
			cp := *automation
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v *automationView) AppendActionLog(_ context.Context, entry *models.AutomationActionLog) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	s.automationLogs = append(s.automationLogs, &cp)
	return nil
}

func (v *automationView) ListActionLogs(_ context.Context, userID string) ([]*models.AutomationActionLog, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AutomationActionLog
	for _, entry := range s.automationLogs {
		if entry.UserID == userID {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- profiles ----

type profileView Store

func (v *profileView) CreateUser(_ context.Context, userID string) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = struct{}{}
	return nil
}

func (v *profileView) SaveReplyProfile(_ context.Context, profile *models.ReplyProfile) error {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *profile
	cp.Offers = append([]string(nil), profile.Offers...)
	cp.FAQs = append([]models.FAQ(nil), profile.FAQs...)
	s.profiles[cp.UserID] = &cp
	return nil
}

func (v *profileView) GetReplyProfile(_ context.Context, userID string) (*models.ReplyProfile, error) {
	s := (*Store)(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[userID]
	if !ok {
		return &models.ReplyProfile{UserID: userID}, nil
	}
	cp := *profile
	return &cp, nil
}
