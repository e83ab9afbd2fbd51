package storage

import (
	"context"
	"time"

	"mailwarm/backend/internal/domain"
)

// MailboxRepository 定义发件邮箱数据存取操作。
type MailboxRepository interface {
	SaveMailbox(ctx context.Context, mailbox *domain.Mailbox) error
	GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error)
	ListMailboxes(ctx context.Context) ([]domain.Mailbox, error)
	ListWarmupEnabledMailboxes(ctx context.Context) ([]domain.Mailbox, error)
	CountWarmupEnabledMailboxes(ctx context.Context) (int, error)
	// IncrementUsage 成功发送后累加 totalSent 并更新 lastSentAt
	IncrementUsage(ctx context.Context, id string, at time.Time) error
}

// EventRepository 定义发送日志存取操作，日志只追加。
type EventRepository interface {
	AppendEvent(ctx context.Context, event *domain.EventLog) error
	// CountEvents 统计 [from, to) 区间内某邮箱指定状态的日志条数
	CountEvents(ctx context.Context, senderID string, status domain.EventStatus, from, to time.Time) (int, error)
	// CountEventsByStatus 按发件邮箱分组统计 [from, to) 区间内指定状态的日志条数
	CountEventsByStatus(ctx context.Context, status domain.EventStatus, from, to time.Time) (map[string]int, error)
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.EventLog, error)
}

// RecipientRepository 定义收件对象池存取操作。
type RecipientRepository interface {
	SaveRecipient(ctx context.Context, recipient *domain.Recipient) error
	ListRecipients(ctx context.Context) ([]domain.Recipient, error)
}

// TemplateRepository 定义模板池存取操作。
type TemplateRepository interface {
	SaveTemplate(ctx context.Context, template *domain.Template) error
	ListTemplates(ctx context.Context, kind domain.TemplateKind) ([]domain.Template, error)
}

// Store 定义完整的存储接口。
type Store interface {
	MailboxRepository
	EventRepository
	RecipientRepository
	TemplateRepository

	// 工具方法
	Close() error
	Health() error
}
