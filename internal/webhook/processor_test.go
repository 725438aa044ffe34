package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"replydesk/internal/graphapi"
	"replydesk/internal/hrn"
	"replydesk/internal/models"
	"replydesk/internal/notify"
	"replydesk/internal/reply"
	"replydesk/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testUser    = "user-1"
	testAccount = "acct-1"
	testSender  = "sender-1"
)

type sentText struct {
	to   graphapi.Recipient
	text string
}

type fakeMessenger struct {
	mu        sync.Mutex
	texts     []sentText
	templates [][]graphapi.TemplateElement
	public    []string
	sendErr   error
	panics    bool
	history   []graphapi.Message
}

func (f *fakeMessenger) SendText(_ context.Context, _, _ string, to graphapi.Recipient, text string) (*graphapi.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("send exploded")
	}
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.texts = append(f.texts, sentText{to: to, text: text})
	return &graphapi.SendResult{MessageID: "out-1"}, nil
}

func (f *fakeMessenger) SendTemplate(_ context.Context, _, _ string, _ graphapi.Recipient, elements []graphapi.TemplateElement) (*graphapi.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.templates = append(f.templates, elements)
	return &graphapi.SendResult{MessageID: "out-tpl"}, nil
}

func (f *fakeMessenger) ReplyToComment(_ context.Context, _, _, text string) (*graphapi.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.public = append(f.public, text)
	return &graphapi.SendResult{MessageID: "pub-1"}, nil
}

func (f *fakeMessenger) FindConversationWith(context.Context, string, string) (string, error) {
	if len(f.history) == 0 {
		return "", nil
	}
	return "conv-1", nil
}

func (f *fakeMessenger) ListMessages(context.Context, string, string, int) ([]graphapi.Message, error) {
	return f.history, nil
}

// verdictGenerator answers every classifier prompt with a fixed verdict.
type verdictGenerator struct{ hrn bool }

func (g verdictGenerator) Generate(context.Context, string, string) (string, error) {
	if g.hrn {
		return `{"hrn": true, "confidence": 0.7, "signals": ["ambiguous"], "reason": "unclear"}`, nil
	}
	return `{"hrn": false, "confidence": 0.7, "signals": [], "reason": "routine"}`, nil
}

type fakeReplies struct {
	general    string
	prompt     string
	err        error
	lastTurns  []reply.Turn
	generalHit int
}

func (f *fakeReplies) General(_ context.Context, _ *models.ReplyProfile, history []reply.Turn, _ string) (string, error) {
	f.generalHit++
	f.lastTurns = history
	return f.general, f.err
}

func (f *fakeReplies) FromPrompt(context.Context, string, string) (string, error) {
	return f.prompt, f.err
}

type recordingNotifier struct{ escalations []notify.Escalation }

func (r *recordingNotifier) NotifyEscalation(_ context.Context, e notify.Escalation) error {
	r.escalations = append(r.escalations, e)
	return nil
}

type harness struct {
	store     *memory.Store
	messenger *fakeMessenger
	replies   *fakeReplies
	notifier  *recordingNotifier
	processor *Processor
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.Integrations().Create(context.Background(), &models.Integration{
		UserID: testUser, AccountID: testAccount, AccessToken: "tok",
	}))

	h := &harness{
		store:     store,
		messenger: &fakeMessenger{},
		replies:   &fakeReplies{general: "Thanks for the message!"},
		notifier:  &recordingNotifier{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.processor = NewProcessor(Deps{
		Integrations: store.Integrations(),
		Contacts:     store.Contacts(),
		ActionLogs:   store.ActionLogs(),
		Automations:  store.Automations(),
		Profiles:     store.Profiles(),
		Messenger:    h.messenger,
		Classifier:   hrn.NewClassifier(verdictGenerator{}, zap.NewNop()),
		Replies:      h.replies,
		Notifier:     h.notifier,
	}, Config{}, zap.NewNop())
	h.processor.now = func() time.Time { return h.now }
	return h
}

func (h *harness) addAutomation(t *testing.T, a *models.Automation) *models.Automation {
	t.Helper()
	a.UserID = testUser
	a.IsActive = true
	if a.CreatedAt.IsZero() {
		a.CreatedAt = h.now.Add(-time.Hour)
	}
	require.NoError(t, h.store.Automations().Create(context.Background(), a))
	return a
}

func dm(mid, text string) *Payload {
	return &Payload{Object: "instagram", Entry: []Entry{{
		ID: testAccount,
		Messaging: []MessagingEvent{{
			Sender:    Party{ID: testSender},
			Recipient: Party{ID: testAccount},
			Timestamp: time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC).UnixMilli(),
			Message:   &InboundMessage{MID: mid, Text: text},
		}},
	}}}
}

func comment(id, text string) *Payload {
	change := Change{Field: "comments"}
	change.Value.ID = id
	change.Value.Text = text
	change.Value.From.ID = "commenter-1"
	return &Payload{Object: "instagram", Entry: []Entry{{ID: testAccount, Changes: []Change{change}}}}
}

func TestProcess_FixedAutomationReply(t *testing.T) {
	h := newHarness(t)
	auto := h.addAutomation(t, &models.Automation{Keyword: "price", Scope: models.ScopeDM, ResponseType: models.ResponseFixed, ResponseContent: "$99/mo"})

	outcomes := h.processor.Process(context.Background(), dm("m-1", "what's your PRICE?"))
	assert.Equal(t, []Outcome{OutcomeSent}, outcomes)

	require.Len(t, h.messenger.texts, 1)
	assert.Equal(t, "$99/mo", h.messenger.texts[0].text)
	assert.Equal(t, testSender, h.messenger.texts[0].to.ID)

	logs := h.store.ActionLogsFor(testUser)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResultSent, logs[0].Result)
	assert.Equal(t, models.KindDMReply, logs[0].Kind)
	require.NotNil(t, logs[0].ProviderMessageID)
	assert.Equal(t, "out-1", *logs[0].ProviderMessageID)

	autoLogs, err := h.store.Automations().ListActionLogs(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, autoLogs, 1)
	assert.Equal(t, auto.ID, autoLogs[0].AutomationID)
	assert.Equal(t, models.ActionDMAutomationTriggered, autoLogs[0].Action)

	contact, err := h.store.Contacts().GetByRemoteID(context.Background(), testUser, testSender)
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.Equal(t, "what's your PRICE?", contact.LastMessage)
	require.NotNil(t, contact.TriggerMatched)
	assert.Equal(t, "price", *contact.TriggerMatched)
}

func TestProcess_BothScopeTagsAction(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &models.Automation{Keyword: "menu", Scope: models.ScopeBoth, ResponseType: models.ResponseFixed, ResponseContent: "Here it is"})

	h.processor.Process(context.Background(), dm("m-1", "send the menu"))
	autoLogs, err := h.store.Automations().ListActionLogs(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, autoLogs, 1)
	assert.Equal(t, models.ActionDMAndCommentAutomationTrigger, autoLogs[0].Action)
}

func TestProcess_RedeliveryProducesOneSend(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &models.Automation{Keyword: "price", ResponseType: models.ResponseFixed, ResponseContent: "$99/mo"})

	first := h.processor.Process(context.Background(), dm("m-1", "price?"))
	h.now = h.now.Add(5 * time.Minute)
	second := h.processor.Process(context.Background(), dm("m-1", "price?"))

	assert.Equal(t, []Outcome{OutcomeSent}, first)
	assert.Equal(t, []Outcome{OutcomeDuplicate}, second)
	assert.Len(t, h.messenger.texts, 1)
}

func TestProcess_ConcurrentRedeliveryProducesOneSend(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &models.Automation{Keyword: "price", ResponseType: models.ResponseFixed, ResponseContent: "$99/mo"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.processor.Process(context.Background(), dm("m-1", "price?"))
		}()
	}
	wg.Wait()
	assert.Len(t, h.messenger.texts, 1)
}

func TestProcess_DedupWindowWithoutMessageID(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, []Outcome{OutcomeSent}, h.processor.Process(context.Background(), dm("", "do you ship?")))
	h.now = h.now.Add(10 * time.Second)
	assert.Equal(t, []Outcome{OutcomeDuplicate}, h.processor.Process(context.Background(), dm("", "do you ship?")))
	h.now = h.now.Add(time.Minute)
	assert.Equal(t, []Outcome{OutcomeSent}, h.processor.Process(context.Background(), dm("", "hello again")))
}

func TestProcess_StickyHRN(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, []Outcome{OutcomeEscalated}, h.processor.Process(ctx, dm("m-1", "I want a refund")))
	require.Len(t, h.notifier.escalations, 1)
	assert.Contains(t, h.notifier.escalations[0].Signals, "risk:refund")

	contact, err := h.store.Contacts().GetByRemoteID(ctx, testUser, testSender)
	require.NoError(t, err)
	require.True(t, contact.RequiresHumanResponse)
	require.NotNil(t, contact.HumanResponseSetAt)

	// Benign follow-ups stay with the human.
	assert.Equal(t, []Outcome{OutcomeSticky}, h.processor.Process(ctx, dm("m-2", "ok!")))
	assert.Equal(t, []Outcome{OutcomeSticky}, h.processor.Process(ctx, dm("m-3", "do you ship?")))
	assert.Empty(t, h.messenger.texts)

	contact, err = h.store.Contacts().GetByRemoteID(ctx, testUser, testSender)
	require.NoError(t, err)
	assert.Equal(t, "do you ship?", contact.LastMessage)

	cleared, err := h.store.Contacts().ClearHumanResponse(ctx, testUser, testSender)
	require.NoError(t, err)
	require.True(t, cleared)

	assert.Equal(t, []Outcome{OutcomeSent}, h.processor.Process(ctx, dm("m-4", "ok!")))
	assert.Len(t, h.messenger.texts, 1)
}

func TestProcess_ModelEscalation(t *testing.T) {
	h := newHarness(t)
	h.processor.Classifier = hrn.NewClassifier(verdictGenerator{hrn: true}, zap.NewNop())

	assert.Equal(t, []Outcome{OutcomeEscalated}, h.processor.Process(context.Background(), dm("m-1", "can we talk about something")))
	assert.Empty(t, h.messenger.texts)
}

func TestProcess_HRNEnforcedAutomation(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &models.Automation{Keyword: "wholesale", ResponseType: models.ResponseFixed, ResponseContent: "x", HRNEnforced: true})

	assert.Equal(t, []Outcome{OutcomeEscalated}, h.processor.Process(context.Background(), dm("m-1", "wholesale options?")))
	assert.Empty(t, h.messenger.texts)

	contact, err := h.store.Contacts().GetByRemoteID(context.Background(), testUser, testSender)
	require.NoError(t, err)
	assert.True(t, contact.RequiresHumanResponse)
	require.NotNil(t, contact.TriggerMatched)
	assert.Equal(t, "wholesale", *contact.TriggerMatched)
}

func TestProcess_GeneralReplyUsesLiveHistory(t *testing.T) {
	h := newHarness(t)
	h.messenger.history = []graphapi.Message{
		{ID: "2", Text: "do you ship?", FromID: testSender, CreatedTime: h.now},
		{ID: "1", Text: "Welcome!", FromID: testAccount, CreatedTime: h.now.Add(-time.Hour)},
	}

	assert.Equal(t, []Outcome{OutcomeSent}, h.processor.Process(context.Background(), dm("m-1", "do you ship?")))
	require.Len(t, h.replies.lastTurns, 2)
	assert.Equal(t, reply.Turn{FromContact: false, Text: "Welcome!"}, h.replies.lastTurns[0])
	assert.Equal(t, reply.Turn{FromContact: true, Text: "do you ship?"}, h.replies.lastTurns[1])
	assert.Equal(t, "Thanks for the message!", h.messenger.texts[0].text)
}

func TestProcess_EmptyReplyExits(t *testing.T) {
	h := newHarness(t)
	h.replies.general = ""
	h.replies.err = reply.ErrEmptyReply

	assert.Equal(t, []Outcome{OutcomeNoReply}, h.processor.Process(context.Background(), dm("m-1", "do you ship?")))
	assert.Empty(t, h.messenger.texts)
	assert.Empty(t, h.store.ActionLogsFor(testUser))
}

func TestProcess_TemplateInDM(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &models.Automation{
		Keyword: "course", ResponseType: models.ResponseGenericTemplate,
		ResponseContent: `[{"title":"Course","buttons":[{"type":"web_url","title":"Enroll","url":"https://example.com"}]}]`,
	})

	assert.Equal(t, []Outcome{OutcomeSent}, h.processor.Process(context.Background(), dm("m-1", "tell me about the course")))
	require.Len(t, h.messenger.templates, 1)
	assert.Empty(t, h.messenger.texts)
	logs := h.store.ActionLogsFor(testUser)
	require.Len(t, logs, 1)
	assert.Equal(t, models.KindDMTemplate, logs[0].Kind)
}

func TestProcess_FailedDeliveryIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &models.Automation{Keyword: "price", ResponseType: models.ResponseFixed, ResponseContent: "$99/mo"})
	h.messenger.sendErr = &graphapi.APIError{Kind: graphapi.KindNetworkError, Err: errors.New("reset")}

	assert.Equal(t, []Outcome{OutcomeFailed}, h.processor.Process(context.Background(), dm("m-1", "price?")))

	logs := h.store.ActionLogsFor(testUser)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResultFailed, logs[0].Result)

	due, err := h.store.DeadLetters().ListDue(context.Background(), h.now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "$99/mo", due[0].Text)
	assert.Equal(t, testSender, due[0].RecipientID)
	assert.Equal(t, 1, due[0].Attempts)

	// Contacts are recorded even when delivery fails.
	contact, err := h.store.Contacts().GetByRemoteID(context.Background(), testUser, testSender)
	require.NoError(t, err)
	assert.NotNil(t, contact)
}

func TestProcess_TokenExpiredFlagsReconnect(t *testing.T) {
	h := newHarness(t)
	h.messenger.sendErr = &graphapi.APIError{Kind: graphapi.KindTokenExpired, Status: 401}

	assert.Equal(t, []Outcome{OutcomeFailed}, h.processor.Process(context.Background(), dm("m-1", "do you ship?")))
	integration, err := h.store.Integrations().GetByAccountID(context.Background(), testAccount)
	require.NoError(t, err)
	assert.True(t, integration.ReconnectRequired)

	// The failure is logged but not parked for retry.
	logs := h.store.ActionLogsFor(testUser)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResultFailed, logs[0].Result)
	assert.Nil(t, logs[0].DeadLetterID)
	due, err := h.store.DeadLetters().ListDue(context.Background(), h.now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestProcess_DisconnectedIntegrationIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &models.Automation{Keyword: "price", Scope: models.ScopeBoth, ResponseType: models.ResponseFixed, ResponseContent: "$99/mo"})
	integration, err := h.store.Integrations().GetByAccountID(context.Background(), testAccount)
	require.NoError(t, err)
	require.NoError(t, h.store.Integrations().MarkReconnectRequired(context.Background(), integration.ID))

	assert.Equal(t, []Outcome{OutcomeIgnored}, h.processor.Process(context.Background(), dm("m-9", "price?")))
	assert.Equal(t, []Outcome{OutcomeIgnored}, h.processor.Process(context.Background(), comment("c-9", "price?")))

	assert.Empty(t, h.messenger.texts)
	assert.Zero(t, h.replies.generalHit)
	assert.Empty(t, h.store.ActionLogsFor(testUser))

	// Nothing was claimed, so the same message is answered after reconnecting.
	require.NoError(t, h.store.Integrations().UpdateToken(context.Background(), integration.ID, "fresh", h.now.Add(60*24*time.Hour)))
	assert.Equal(t, []Outcome{OutcomeSent}, h.processor.Process(context.Background(), dm("m-9", "price?")))
}

func TestProcess_ExpiredTokenIsIgnored(t *testing.T) {
	h := newHarness(t)
	integration, err := h.store.Integrations().GetByAccountID(context.Background(), testAccount)
	require.NoError(t, err)
	require.NoError(t, h.store.Integrations().UpdateToken(context.Background(), integration.ID, "tok", h.now.Add(-time.Minute)))

	assert.Equal(t, []Outcome{OutcomeIgnored}, h.processor.Process(context.Background(), dm("m-1", "hello")))
	assert.Empty(t, h.messenger.texts)
	assert.Zero(t, h.replies.generalHit)
}

func TestProcess_IgnoredEvents(t *testing.T) {
	h := newHarness(t)

	echo := dm("m-1", "hi")
	echo.Entry[0].Messaging[0].Message.IsEcho = true
	unknown := dm("m-2", "hi")
	unknown.Entry[0].ID = "other"
	unknown.Entry[0].Messaging[0].Recipient.ID = "other"
	noText := dm("m-3", "")

	for _, payload := range []*Payload{echo, unknown, noText} {
		assert.Equal(t, []Outcome{OutcomeIgnored}, h.processor.Process(context.Background(), payload))
	}
	assert.Empty(t, h.messenger.texts)
}

func TestProcess_RecoversFromPanicAndContinues(t *testing.T) {
	h := newHarness(t)
	h.messenger.panics = true

	payload := dm("m-1", "do you ship?")
	second := dm("m-2", "I want a refund").Entry[0]
	second.Messaging[0].Sender.ID = "sender-2"
	payload.Entry = append(payload.Entry, second)

	outcomes := h.processor.Process(context.Background(), payload)
	assert.Equal(t, []Outcome{OutcomeError, OutcomeEscalated}, outcomes)
}

func TestProcess_CommentNeedingHumanIsNotAnswered(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &models.Automation{Keyword: "contract", Scope: models.ScopeComment, ResponseType: models.ResponseFixed, ResponseContent: "Check your DMs"})

	outcomes := h.processor.Process(context.Background(), comment("c-1", "can you review and sign the contract?"))
	assert.Equal(t, []Outcome{OutcomeEscalated}, outcomes)
	assert.Empty(t, h.messenger.texts)

	ids, err := h.store.Contacts().ListRemoteIDs(context.Background(), testUser)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestProcess_CommentAutomation(t *testing.T) {
	h := newHarness(t)
	public := "Sent you a DM!"
	h.addAutomation(t, &models.Automation{Keyword: "link", Scope: models.ScopeComment, ResponseType: models.ResponseFixed, ResponseContent: "Here is the link", PublicReply: &public})

	assert.Equal(t, []Outcome{OutcomeSent}, h.processor.Process(context.Background(), comment("c-1", "LINK please")))
	require.Len(t, h.messenger.texts, 1)
	assert.Equal(t, graphapi.Recipient{CommentID: "c-1"}, h.messenger.texts[0].to)
	assert.Equal(t, []string{"Sent you a DM!"}, h.messenger.public)

	logs := h.store.ActionLogsFor(testUser)
	require.Len(t, logs, 2)
	assert.Equal(t, models.KindCommentPrivateReply, logs[0].Kind)
	assert.Equal(t, models.KindCommentPublicReply, logs[1].Kind)

	autoLogs, err := h.store.Automations().ListActionLogs(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, autoLogs, 1)
	assert.Equal(t, models.ActionCommentAutomationTriggered, autoLogs[0].Action)

	// Redelivered comments are not answered twice.
	assert.Equal(t, []Outcome{OutcomeDuplicate}, h.processor.Process(context.Background(), comment("c-1", "LINK please")))
	assert.Len(t, h.messenger.texts, 1)
}

func TestProcess_CommentScopeAndOwnComments(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &models.Automation{Keyword: "link", Scope: models.ScopeDM, ResponseType: models.ResponseFixed, ResponseContent: "x"})

	assert.Equal(t, []Outcome{OutcomeNoMatch}, h.processor.Process(context.Background(), comment("c-1", "link?")))

	own := comment("c-2", "link?")
	own.Entry[0].Changes[0].Value.From.ID = testAccount
	assert.Equal(t, []Outcome{OutcomeIgnored}, h.processor.Process(context.Background(), own))
	assert.Empty(t, h.messenger.texts)
}

func TestProcess_CommentTemplateSkipsText(t *testing.T) {
	h := newHarness(t)
	h.addAutomation(t, &models.Automation{
		Keyword: "shop", Scope: models.ScopeBoth, ResponseType: models.ResponseGenericTemplate,
		ResponseContent: `[{"title":"Shop","default_action":{"type":"web_url","url":"https://shop.example.com"}}]`,
	})

	assert.Equal(t, []Outcome{OutcomeSent}, h.processor.Process(context.Background(), comment("c-1", "where is the shop")))
	assert.Len(t, h.messenger.templates, 1)
	assert.Empty(t, h.messenger.texts)
}

func TestProcess_CommentPromptFallsBack(t *testing.T) {
	h := newHarness(t)
	h.replies.err = errors.New("model down")
	h.addAutomation(t, &models.Automation{Keyword: "info", Scope: models.ScopeComment, ResponseType: models.ResponseAIPrompt, ResponseContent: "tell them about the course"})

	assert.Equal(t, []Outcome{OutcomeSent}, h.processor.Process(context.Background(), comment("c-1", "info?")))
	require.Len(t, h.messenger.texts, 1)
	assert.Equal(t, reply.FallbackAcknowledgment, h.messenger.texts[0].text)
}

func TestPayloadDecoding(t *testing.T) {
	raw := `{"object":"instagram","entry":[{"id":"acct-1","time":1,"messaging":[{"sender":{"id":"s"},"recipient":{"id":"acct-1"},"timestamp":1700000000000,"message":{"mid":"m","text":"hi"}}]},
		{"id":"acct-1","changes":[{"field":"comments","value":{"id":"c","from":{"id":"u","username":"dana"},"text":"nice","media":{"id":"media-1"}}}]}]}`
	var payload Payload
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	require.Len(t, payload.Entry, 2)
	assert.Equal(t, "m", payload.Entry[0].Messaging[0].Message.MID)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), payload.Entry[0].Messaging[0].SentAt(time.Now()))
	assert.Equal(t, "dana", payload.Entry[1].Changes[0].Value.From.Username)
	require.NotNil(t, payload.Entry[1].Changes[0].Value.Media)
}
