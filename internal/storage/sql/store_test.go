package sql

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailwarm/backend/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "warmup_test.db")
	store, err := NewStore("sqlite", dsn, Options{MaxOpenConns: 1, MaxIdleConns: 1, ConnMaxLifetime: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewStore_UnsupportedDriver(t *testing.T) {
	_, err := NewStore("oracle", "dsn", DefaultOptions())
	assert.Error(t, err)
}

func TestSQLStore_Mailboxes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveMailbox(ctx, &domain.Mailbox{
		ID: "mb-1", Email: "a@example.com", StartCount: 5, IncreaseBy: 2, MaxDaily: 40,
		WarmupEnabled: true, WarmupStartDate: &start,
	}))
	require.NoError(t, store.SaveMailbox(ctx, &domain.Mailbox{ID: "mb-2", Email: "b@example.com"}))

	got, err := store.GetMailbox(ctx, "mb-1")
	require.NoError(t, err)
	assert.Equal(t, 40, got.MaxDaily)
	require.NotNil(t, got.WarmupStartDate)
	assert.True(t, start.Equal(*got.WarmupStartDate))

	warm, err := store.ListWarmupEnabledMailboxes(ctx)
	require.NoError(t, err)
	require.Len(t, warm, 1)
	assert.Equal(t, "mb-1", warm[0].ID)

	count, err := store.CountWarmupEnabledMailboxes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.IncrementUsage(ctx, "mb-1", time.Now()))
	got, _ = store.GetMailbox(ctx, "mb-1")
	assert.Equal(t, 1, got.TotalSent)
	assert.NotNil(t, got.LastSentAt)

	_, err = store.GetMailbox(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)
	assert.ErrorIs(t, store.IncrementUsage(ctx, "missing", time.Now()), domain.ErrMailboxNotFound)
}

func TestSQLStore_EventCounting(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	next := day.Add(24 * time.Hour)

	add := func(sender string, status domain.EventStatus, ts time.Time) {
		require.NoError(t, store.AppendEvent(ctx, &domain.EventLog{SenderID: sender, Status: status, Timestamp: ts}))
	}
	for i := 0; i < 5; i++ {
		add("mb-1", domain.StatusSent, day.Add(time.Duration(i)*time.Hour))
		add("mb-1", domain.StatusReplied, day.Add(time.Duration(i)*time.Hour+time.Minute))
	}
	add("mb-1", domain.StatusFailed, day.Add(2*time.Hour))
	add("mb-1", domain.StatusSent, next.Add(time.Minute))
	add("mb-2", domain.StatusSent, day.Add(time.Hour))

	t.Run("SENT与REPLIED分开统计", func(t *testing.T) {
		sent, err := store.CountEvents(ctx, "mb-1", domain.StatusSent, day, next)
		require.NoError(t, err)
		assert.Equal(t, 5, sent)

		replied, err := store.CountEvents(ctx, "mb-1", domain.StatusReplied, day, next)
		require.NoError(t, err)
		assert.Equal(t, 5, replied)
	})

	t.Run("分组统计", func(t *testing.T) {
		counts, err := store.CountEventsByStatus(ctx, domain.StatusSent, day, next)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"mb-1": 5, "mb-2": 1}, counts)
	})

	t.Run("按状态过滤列表", func(t *testing.T) {
		events, err := store.ListEvents(ctx, domain.EventFilter{SenderID: "mb-1", Status: domain.StatusFailed})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, domain.StatusFailed, events[0].Status)
	})
}

func TestSQLStore_Pools(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveRecipient(ctx, &domain.Recipient{Email: "r@example.org"}))
	require.NoError(t, store.SaveTemplate(ctx, &domain.Template{Kind: domain.TemplateSend, Subject: "Hi", Body: "Body"}))
	require.NoError(t, store.SaveTemplate(ctx, &domain.Template{Kind: domain.TemplateReply, Body: "Thanks"}))

	recipients, err := store.ListRecipients(ctx)
	require.NoError(t, err)
	assert.Len(t, recipients, 1)

	replies, err := store.ListTemplates(ctx, domain.TemplateReply)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "Thanks", replies[0].Body)

	assert.NoError(t, store.Health())
}
