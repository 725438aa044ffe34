package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"replydesk/internal/crypto"
	"replydesk/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testUser = "user-1"

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	logger := zap.NewNop()

	db, err := NewDB(DriverSQLite, filepath.Join(t.TempDir(), "replydesk.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, MigrateDB(db, logger))
	require.NoError(t, NewProfileRepository(db, logger).CreateUser(context.Background(), testUser))
	return db
}

func newTestCipher(t *testing.T) *crypto.TokenCipher {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cipher, err := crypto.NewTokenCipher(key)
	require.NoError(t, err)
	return cipher
}

func TestIntegrationRepository_TokenSealedAtRest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewIntegrationRepository(db, newTestCipher(t), zap.NewNop())

	expires := time.Now().Add(72 * time.Hour)
	integration := &models.Integration{
		UserID:      testUser,
		AccountID:   "acct-1",
		AccessToken: "IGQVJ-secret",
		ExpiresAt:   &expires,
	}
	require.NoError(t, repo.Create(ctx, integration))

	var stored string
	require.NoError(t, db.GetContext(ctx, &stored, `SELECT access_token FROM integrations WHERE id = ?`, integration.ID))
	assert.NotEqual(t, "IGQVJ-secret", stored)

	got, err := repo.GetByAccountID(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "IGQVJ-secret", got.AccessToken)
	assert.Equal(t, testUser, got.UserID)

	missing, err := repo.GetByAccountID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestIntegrationRepository_ListExpiringBetween(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewIntegrationRepository(db, newTestCipher(t), zap.NewNop())
	now := time.Now().UTC()

	soon := now.Add(3 * 24 * time.Hour)
	later := now.Add(30 * 24 * time.Hour)
	require.NoError(t, repo.Create(ctx, &models.Integration{UserID: testUser, AccountID: "soon", AccessToken: "a", ExpiresAt: &soon}))
	require.NoError(t, repo.Create(ctx, &models.Integration{UserID: testUser, AccountID: "later", AccessToken: "b", ExpiresAt: &later}))
	require.NoError(t, repo.Create(ctx, &models.Integration{UserID: testUser, AccountID: "never", AccessToken: "c"}))

	got, err := repo.ListExpiringBetween(ctx, now, now.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "soon", got[0].AccountID)

	require.NoError(t, repo.MarkReconnectRequired(ctx, got[0].ID))
	got, err = repo.ListExpiringBetween(ctx, now, now.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIntegrationRepository_UpdateTokenClearsReconnect(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewIntegrationRepository(db, newTestCipher(t), zap.NewNop())

	integration := &models.Integration{UserID: testUser, AccountID: "acct-1", AccessToken: "old"}
	require.NoError(t, repo.Create(ctx, integration))
	require.NoError(t, repo.MarkReconnectRequired(ctx, integration.ID))

	expires := time.Now().Add(60 * 24 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, repo.UpdateToken(ctx, integration.ID, "new", expires))

	got, err := repo.GetByUserID(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken)
	assert.False(t, got.ReconnectRequired)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))

	assert.Error(t, repo.UpdateToken(ctx, "missing", "x", expires))
}

func TestContactRepository_HRNIsSticky(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewContactRepository(db, zap.NewNop())
	at := time.Now().UTC()

	first, err := repo.UpsertInbound(ctx, models.InboundContact{
		UserID: testUser, RemoteID: "p1", LastMessage: "I want a refund", LastMessageAt: at, MarkHRN: true,
	})
	require.NoError(t, err)
	require.True(t, first.RequiresHumanResponse)
	require.NotNil(t, first.HumanResponseSetAt)
	setAt := *first.HumanResponseSetAt

	second, err := repo.UpsertInbound(ctx, models.InboundContact{
		UserID: testUser, RemoteID: "p1", LastMessage: "hello?", LastMessageAt: at.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, second.RequiresHumanResponse)
	assert.True(t, setAt.Equal(*second.HumanResponseSetAt))
	assert.Equal(t, "hello?", second.LastMessage)
	assert.Equal(t, first.ID, second.ID)

	cleared, err := repo.ClearHumanResponse(ctx, testUser, "p1")
	require.NoError(t, err)
	assert.True(t, cleared)

	got, err := repo.GetByRemoteID(ctx, testUser, "p1")
	require.NoError(t, err)
	assert.False(t, got.RequiresHumanResponse)
	assert.Nil(t, got.HumanResponseSetAt)
}

func TestContactRepository_OlderMessageDoesNotRollBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewContactRepository(db, zap.NewNop())
	at := time.Now().UTC()

	_, err := repo.UpsertInbound(ctx, models.InboundContact{UserID: testUser, RemoteID: "p1", LastMessage: "newer", LastMessageAt: at})
	require.NoError(t, err)
	got, err := repo.UpsertInbound(ctx, models.InboundContact{UserID: testUser, RemoteID: "p1", LastMessage: "older", LastMessageAt: at.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "newer", got.LastMessage)
}

func TestContactRepository_IncrementalSyncPreservesAnalysis(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewContactRepository(db, zap.NewNop())
	at := time.Now().UTC().Add(-48 * time.Hour)

	full, err := repo.UpsertSynced(ctx, models.SyncedContact{
		UserID: testUser, RemoteID: "p1", DisplayName: "dana", LastMessage: "how much?", LastMessageAt: at,
		Analysis: models.Analysis{Stage: models.StageLead, Sentiment: models.SentimentHot, LeadScore: 80, NextAction: "send pricing", LeadValue: 500},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, models.StageLead, full.Stage)

	inc, err := repo.UpsertSynced(ctx, models.SyncedContact{
		UserID: testUser, RemoteID: "p1", LastMessage: "how much?", LastMessageAt: at, Stale: true,
		Analysis: models.Analysis{Stage: models.StageNew, Sentiment: models.SentimentNeutral},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, models.StageLead, inc.Stage)
	assert.Equal(t, models.SentimentHot, inc.Sentiment)
	assert.Equal(t, 80, inc.LeadScore)
	assert.Equal(t, "send pricing", inc.NextAction)
	assert.Equal(t, "dana", inc.DisplayName)
	assert.True(t, inc.FollowupNeeded)
}

func TestContactRepository_SyncNeverTouchesHRN(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewContactRepository(db, zap.NewNop())
	at := time.Now().UTC()

	_, err := repo.UpsertInbound(ctx, models.InboundContact{UserID: testUser, RemoteID: "p1", LastMessage: "lawyer", LastMessageAt: at, MarkHRN: true})
	require.NoError(t, err)

	got, err := repo.UpsertSynced(ctx, models.SyncedContact{
		UserID: testUser, RemoteID: "p1", LastMessage: "lawyer", LastMessageAt: at,
		Analysis: models.Analysis{Stage: models.StageFollowUp, Sentiment: models.SentimentCold},
	}, true)
	require.NoError(t, err)
	assert.True(t, got.RequiresHumanResponse)

	ids, err := repo.ListRemoteIDs(ctx, testUser)
	require.NoError(t, err)
	assert.Contains(t, ids, "p1")
}

func TestActionLogRepository_DuplicateInbound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewActionLogRepository(db, zap.NewNop())
	mid := "m-1"

	entry := func() *models.ActionLog {
		return &models.ActionLog{
			UserID: testUser, ThreadKey: "acct:p1", RecipientID: "p1", Kind: models.KindDMReply,
			Text: "hi", Result: models.ResultSent, InboundMessageID: &mid,
		}
	}
	require.NoError(t, repo.Append(ctx, entry()))
	assert.ErrorIs(t, repo.Append(ctx, entry()), ErrDuplicate)

	seen, err := repo.HasInboundMessage(ctx, testUser, mid)
	require.NoError(t, err)
	assert.True(t, seen)

	// Rows without an inbound id never collide.
	require.NoError(t, repo.Append(ctx, &models.ActionLog{UserID: testUser, ThreadKey: "acct:p1", RecipientID: "p1", Kind: models.KindDMReply, Result: models.ResultSent}))
	require.NoError(t, repo.Append(ctx, &models.ActionLog{UserID: testUser, ThreadKey: "acct:p1", RecipientID: "p1", Kind: models.KindDMReply, Result: models.ResultSent}))

	entries, err := repo.ListByThread(ctx, testUser, "acct:p1")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestActionLogRepository_ClaimInbound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewActionLogRepository(db, zap.NewNop())

	ok, err := repo.ClaimInbound(ctx, testUser, "m-1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimInbound(ctx, testUser, "m-1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActionLogRepository_HasRecentForThread(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewActionLogRepository(db, zap.NewNop())
	now := time.Now().UTC()

	require.NoError(t, repo.Append(ctx, &models.ActionLog{
		UserID: testUser, ThreadKey: "acct:p1", RecipientID: "p1", Kind: models.KindDMReply,
		Result: models.ResultSent, CreatedAt: now.Add(-10 * time.Second),
	}))

	recent, err := repo.HasRecentForThread(ctx, testUser, "acct:p1", now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.True(t, recent)

	recent, err = repo.HasRecentForThread(ctx, testUser, "acct:p1", now.Add(-5*time.Second))
	require.NoError(t, err)
	assert.False(t, recent)
}

func TestDeadLetterLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	logs := NewActionLogRepository(db, zap.NewNop())
	letters := NewDeadLetterRepository(db, zap.NewNop())
	now := time.Now().UTC()

	failed := &models.ActionLog{UserID: testUser, ThreadKey: "acct:p1", RecipientID: "p1", Kind: models.KindDMReply, Text: "hi", Result: models.ResultFailed}
	letter := &models.DeadLetter{UserID: testUser, ThreadKey: "acct:p1", RecipientID: "p1", Kind: models.KindDMReply, Text: "hi", LastError: "boom"}
	require.NoError(t, logs.AppendWithDeadLetter(ctx, failed, letter))
	require.NotEmpty(t, letter.ID)

	due, err := letters.ListDue(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, models.DeadLetterPending, due[0].Status)

	require.NoError(t, letters.Reschedule(ctx, letter.ID, 1, now.Add(time.Hour), "still down"))
	due, err = letters.ListDue(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	sent := &models.ActionLog{UserID: testUser, ThreadKey: "acct:p1", RecipientID: "p1", Kind: models.KindDMReply, Text: "hi", Result: models.ResultSent}
	require.NoError(t, letters.MarkDelivered(ctx, letter.ID, 2, sent))

	due, err = letters.ListDue(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	entries, err := logs.ListByThread(ctx, testUser, "acct:p1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NotNil(t, entries[1].DeadLetterID)
	assert.Equal(t, letter.ID, *entries[1].DeadLetterID)
}

func TestDeadLetterRollsBackWithActionLog(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	logs := NewActionLogRepository(db, zap.NewNop())
	letters := NewDeadLetterRepository(db, zap.NewNop())
	mid := "m-1"

	require.NoError(t, logs.Append(ctx, &models.ActionLog{UserID: testUser, ThreadKey: "t", RecipientID: "p1", Kind: models.KindDMReply, Result: models.ResultSent, InboundMessageID: &mid}))

	err := logs.AppendWithDeadLetter(ctx,
		&models.ActionLog{UserID: testUser, ThreadKey: "t", RecipientID: "p1", Kind: models.KindDMReply, Result: models.ResultFailed, InboundMessageID: &mid},
		&models.DeadLetter{UserID: testUser, ThreadKey: "t", RecipientID: "p1", Kind: models.KindDMReply})
	assert.ErrorIs(t, err, ErrDuplicate)

	due, err := letters.ListDue(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestAutomationRepository_CreationOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewAutomationRepository(db, zap.NewNop())
	base := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, &models.Automation{UserID: testUser, Keyword: "second", ResponseType: models.ResponseFixed, IsActive: true, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, repo.Create(ctx, &models.Automation{UserID: testUser, Keyword: "first", Scope: models.ScopeBoth, ResponseType: models.ResponseFixed, IsActive: true, CreatedAt: base}))

	got, err := repo.ListByUser(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Keyword)
	assert.Equal(t, models.ScopeBoth, got[0].Scope)
	assert.Equal(t, models.ScopeDM, got[1].Scope)

	require.NoError(t, repo.AppendActionLog(ctx, &models.AutomationActionLog{
		UserID: testUser, AutomationID: got[0].ID, ThreadKey: "acct:p1", Trigger: "first", Action: models.ActionDMAndCommentAutomationTrigger,
	}))
	entries, err := repo.ListActionLogs(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionDMAndCommentAutomationTrigger, entries[0].Action)
}

func TestProfileRepository_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewProfileRepository(db, zap.NewNop())

	empty, err := repo.GetReplyProfile(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, empty.Tone)
	assert.Empty(t, empty.Offers)

	require.NoError(t, repo.SaveReplyProfile(ctx, &models.ReplyProfile{
		UserID: testUser, Tone: "friendly", Persona: "studio owner",
		Offers: []string{"1:1 coaching", "group course"},
		FAQs:   []models.FAQ{{Question: "Where are you?", Answer: "Berlin"}},
	}))

	got, err := repo.GetReplyProfile(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, "friendly", got.Tone)
	assert.Equal(t, []string{"1:1 coaching", "group course"}, got.Offers)
	require.Len(t, got.FAQs, 1)
	assert.Equal(t, "Berlin", got.FAQs[0].Answer)
}
