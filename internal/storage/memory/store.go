package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailwarm/backend/internal/domain"
)

// Store 使用内存保存邮箱、日志与模板池，主要用于开发验证和测试。
type Store struct {
	mu         sync.RWMutex
	mailboxes  map[string]*domain.Mailbox
	byEmail    map[string]string // email -> mailboxID
	events     []domain.EventLog // 按追加顺序保存
	recipients map[string]*domain.Recipient
	templates  map[string]*domain.Template
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes:  make(map[string]*domain.Mailbox),
		byEmail:    make(map[string]string),
		recipients: make(map[string]*domain.Recipient),
		templates:  make(map[string]*domain.Template),
	}
}

// ========== Mailbox Repository ==========

// SaveMailbox 保存邮箱信息
func (s *Store) SaveMailbox(_ context.Context, mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mailbox.ID == "" {
		mailbox.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if mailbox.CreatedAt.IsZero() {
		mailbox.CreatedAt = now
	}
	mailbox.UpdatedAt = now

	if prev, ok := s.mailboxes[mailbox.ID]; ok {
		delete(s.byEmail, strings.ToLower(prev.Email))
	}
	copied := *mailbox
	s.mailboxes[mailbox.ID] = &copied
	s.byEmail[strings.ToLower(mailbox.Email)] = mailbox.ID
	return nil
}

// GetMailbox 根据 ID 获取邮箱
func (s *Store) GetMailbox(_ context.Context, id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return nil, domain.ErrMailboxNotFound
	}
	copied := *mailbox
	return &copied, nil
}

// ListMailboxes 列出全部邮箱，按地址排序
func (s *Store) ListMailboxes(_ context.Context) ([]domain.Mailbox, error) {
	return s.listMailboxes(func(*domain.Mailbox) bool { return true }), nil
}

// ListWarmupEnabledMailboxes 列出开启预热的邮箱
func (s *Store) ListWarmupEnabledMailboxes(_ context.Context) ([]domain.Mailbox, error) {
	return s.listMailboxes(func(m *domain.Mailbox) bool { return m.WarmupEnabled }), nil
}

// CountWarmupEnabledMailboxes 统计开启预热的邮箱数量
func (s *Store) CountWarmupEnabledMailboxes(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, m := range s.mailboxes {
		if m.WarmupEnabled {
			count++
		}
	}
	return count, nil
}

func (s *Store) listMailboxes(keep func(*domain.Mailbox) bool) []domain.Mailbox {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Mailbox, 0, len(s.mailboxes))
	for _, m := range s.mailboxes {
		if keep(m) {
			result = append(result, *m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Email < result[j].Email })
	return result
}

// IncrementUsage 累加发送计数
func (s *Store) IncrementUsage(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return domain.ErrMailboxNotFound
	}
	mailbox.TotalSent++
	sentAt := at.UTC()
	mailbox.LastSentAt = &sentAt
	return nil
}

// ========== Event Repository ==========

// AppendEvent 追加一条日志
func (s *Store) AppendEvent(_ context.Context, event *domain.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.events = append(s.events, *event)
	return nil
}

func inRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && ts.Before(to)
}

// CountEvents 统计某邮箱在区间内指定状态的日志数
func (s *Store) CountEvents(_ context.Context, senderID string, status domain.EventStatus, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for i := range s.events {
		e := &s.events[i]
		if e.SenderID == senderID && e.Status == status && inRange(e.Timestamp, from, to) {
			count++
		}
	}
	return count, nil
}

// CountEventsByStatus 按邮箱分组统计
func (s *Store) CountEventsByStatus(_ context.Context, status domain.EventStatus, from, to time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for i := range s.events {
		e := &s.events[i]
		if e.Status == status && inRange(e.Timestamp, from, to) {
			counts[e.SenderID]++
		}
	}
	return counts, nil
}

// ListEvents 按时间倒序返回日志
func (s *Store) ListEvents(_ context.Context, filter domain.EventFilter) ([]domain.EventLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.EventLog
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if filter.SenderID != "" && e.SenderID != filter.SenderID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && e.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !e.Timestamp.Before(filter.To) {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// ========== Pool Repository ==========

// SaveRecipient 保存收件对象
func (s *Store) SaveRecipient(_ context.Context, recipient *domain.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if recipient.ID == "" {
		recipient.ID = uuid.New().String()
	}
	if recipient.CreatedAt.IsZero() {
		recipient.CreatedAt = time.Now().UTC()
	}
	copied := *recipient
	s.recipients[recipient.ID] = &copied
	return nil
}

// ListRecipients 列出全部收件对象
func (s *Store) ListRecipients(_ context.Context) ([]domain.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Recipient, 0, len(s.recipients))
	for _, r := range s.recipients {
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// SaveTemplate 保存模板
func (s *Store) SaveTemplate(_ context.Context, template *domain.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if template.ID == "" {
		template.ID = uuid.New().String()
	}
	if template.CreatedAt.IsZero() {
		template.CreatedAt = time.Now().UTC()
	}
	copied := *template
	s.templates[template.ID] = &copied
	return nil
}

// ListTemplates 按类型列出模板
func (s *Store) ListTemplates(_ context.Context, kind domain.TemplateKind) ([]domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Template
	for _, t := range s.templates {
		if t.Kind == kind {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Close 关闭存储
func (s *Store) Close() error {
	// 内存存储不需要关闭连接
	return nil
}

// Health 健康检查
func (s *Store) Health() error {
	// 内存存储总是健康的
	return nil
}
