package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailwarm/backend/internal/domain"
	"mailwarm/backend/internal/imap"
	"mailwarm/backend/internal/smtp"
	"mailwarm/backend/internal/storage/memory"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// MockMailer 模拟出站发送
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, acct smtp.Account, msg *smtp.Message) (string, error) {
	args := m.Called(ctx, acct, msg)
	return args.String(0), args.Error(1)
}

// MockInbox 模拟收件箱检查
type MockInbox struct {
	mock.Mock
}

func (m *MockInbox) FindUnseenFrom(ctx context.Context, acct imap.Account, from string) ([]imap.InboundMessage, error) {
	args := m.Called(ctx, acct, from)
	msgs, _ := args.Get(0).([]imap.InboundMessage)
	return msgs, args.Error(1)
}

// recordingPublisher 收集推送的实时事件
type recordingPublisher struct {
	kinds []string
}

func (p *recordingPublisher) Publish(kind string, _ interface{}) {
	p.kinds = append(p.kinds, kind)
}

// newMailbox 第三天的预热邮箱：额度 5 + 2*2 = 9
func newMailbox(id string) *domain.Mailbox {
	start := fixedNow.Add(-48 * time.Hour)
	return &domain.Mailbox{
		ID:               id,
		Email:            id + "@sender.example.com",
		DisplayName:      "Sender " + id,
		SMTPHost:         "smtp.sender.example.com",
		SMTPPort:         587,
		SMTPUsername:     id + "@sender.example.com",
		SMTPPassword:     "secret",
		SMTPSecurity:     domain.SecurityStartTLS,
		IMAPHost:         "imap.sender.example.com",
		IMAPPort:         993,
		IMAPPassword:     "secret",
		IMAPSecurity:     domain.SecurityTLS,
		StartCount:       5,
		IncreaseBy:       2,
		MaxDaily:         20,
		ReplyRatePercent: 100,
		WarmupEnabled:    true,
		WarmupStartDate:  &start,
	}
}

// newSeededStore 带一个收件对象、一个发送模板与一个回复模板的内存存储
func newSeededStore(t *testing.T, mailboxes ...*domain.Mailbox) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	for _, m := range mailboxes {
		require.NoError(t, store.SaveMailbox(ctx, m))
	}
	require.NoError(t, store.SaveRecipient(ctx, &domain.Recipient{ID: "rcpt-1", Email: "peer@recipient.example.org", Name: "Peer"}))
	require.NoError(t, store.SaveTemplate(ctx, &domain.Template{ID: "tpl-send", Kind: domain.TemplateSend, Subject: "Quick question", Body: "Are you free next week?"}))
	require.NoError(t, store.SaveTemplate(ctx, &domain.Template{ID: "tpl-reply", Kind: domain.TemplateReply, Body: "Thanks, sounds good!"}))
	return store
}

func appendEvents(t *testing.T, store *memory.Store, senderID string, status domain.EventStatus, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.AppendEvent(context.Background(), &domain.EventLog{
			Timestamp: at,
			SenderID:  senderID,
			Status:    status,
			Action:    domain.ActionSend,
		}))
	}
}
