package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailwarm/backend/internal/domain"
)

// Options 连接池参数
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions 默认连接池参数
func DefaultOptions() Options {
	return Options{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute}
}

// Store 基于 GORM 的存储实现（支持 PostgreSQL、MySQL 5.7+ 与 SQLite）
type Store struct {
	db *gorm.DB
}

// Models 返回需要迁移的全部表模型
func Models() []interface{} {
	return []interface{}{
		&domain.Mailbox{},
		&domain.EventLog{},
		&domain.Recipient{},
		&domain.Template{},
	}
}

// Dialector 根据驱动名称返回 GORM dialector
func Dialector(driverName, dsn string) (gorm.Dialector, error) {
	switch driverName {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", driverName)
	}
}

// NewStore 创建SQL数据库存储
func NewStore(driverName, dsn string, opts Options) (*Store, error) {
	dialector, err := Dialector(driverName, dsn)
	if err != nil {
		return nil, err
	}
	return NewStoreWithDialector(dialector, opts)
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, opts Options) (*Store, error) {
	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	store := &Store{db: db}
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(Models()...)
}

// ========== Mailbox Repository ==========

// SaveMailbox 保存邮箱信息
func (s *Store) SaveMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	if mailbox.ID == "" {
		mailbox.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Save(mailbox).Error
}

// GetMailbox 根据 ID 获取邮箱
func (s *Store) GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&mailbox).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// ListMailboxes 列出全部邮箱
func (s *Store) ListMailboxes(ctx context.Context) ([]domain.Mailbox, error) {
	var mailboxes []domain.Mailbox
	err := s.db.WithContext(ctx).Order("email").Find(&mailboxes).Error
	return mailboxes, err
}

// ListWarmupEnabledMailboxes 列出开启预热的邮箱
func (s *Store) ListWarmupEnabledMailboxes(ctx context.Context) ([]domain.Mailbox, error) {
	var mailboxes []domain.Mailbox
	err := s.db.WithContext(ctx).Where("warmup_enabled = ?", true).Order("email").Find(&mailboxes).Error
	return mailboxes, err
}

// CountWarmupEnabledMailboxes 统计开启预热的邮箱数量
func (s *Store) CountWarmupEnabledMailboxes(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.Mailbox{}).Where("warmup_enabled = ?", true).Count(&count).Error
	return int(count), err
}

// IncrementUsage 累加发送计数
func (s *Store) IncrementUsage(ctx context.Context, id string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&domain.Mailbox{}).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		"total_sent":   gorm.Expr("total_sent + ?", 1),
		"last_sent_at": at.UTC(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrMailboxNotFound
	}
	return nil
}

// ========== Event Repository ==========

// AppendEvent 追加一条日志
func (s *Store) AppendEvent(ctx context.Context, event *domain.EventLog) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()
	return s.db.WithContext(ctx).Create(event).Error
}

// CountEvents 统计某邮箱在区间内指定状态的日志数
func (s *Store) CountEvents(ctx context.Context, senderID string, status domain.EventStatus, from, to time.Time) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.EventLog{}).
		Where("sender_id = ? AND status = ? AND occurred_at >= ? AND occurred_at < ?", senderID, status, from.UTC(), to.UTC()).
		Count(&count).Error
	return int(count), err
}

type senderCount struct {
	SenderID string
	Count    int
}

// CountEventsByStatus 按邮箱分组统计
func (s *Store) CountEventsByStatus(ctx context.Context, status domain.EventStatus, from, to time.Time) (map[string]int, error) {
	var rows []senderCount
	err := s.db.WithContext(ctx).Model(&domain.EventLog{}).
		Select("sender_id, count(*) as count").
		Where("status = ? AND occurred_at >= ? AND occurred_at < ?", status, from.UTC(), to.UTC()).
		Group("sender_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.SenderID] = r.Count
	}
	return counts, nil
}

// ListEvents 按时间倒序返回日志
func (s *Store) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.EventLog, error) {
	query := s.db.WithContext(ctx).Model(&domain.EventLog{})
	if filter.SenderID != "" {
		query = query.Where("sender_id = ?", filter.SenderID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if !filter.From.IsZero() {
		query = query.Where("occurred_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query = query.Where("occurred_at < ?", filter.To.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var events []domain.EventLog
	err := query.Order("occurred_at DESC").Find(&events).Error
	return events, err
}

// ========== Pool Repository ==========

// SaveRecipient 保存收件对象
func (s *Store) SaveRecipient(ctx context.Context, recipient *domain.Recipient) error {
	if recipient.ID == "" {
		recipient.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Save(recipient).Error
}

// ListRecipients 列出全部收件对象
func (s *Store) ListRecipients(ctx context.Context) ([]domain.Recipient, error) {
	var recipients []domain.Recipient
	err := s.db.WithContext(ctx).Order("id").Find(&recipients).Error
	return recipients, err
}

// SaveTemplate 保存模板
func (s *Store) SaveTemplate(ctx context.Context, template *domain.Template) error {
	if template.ID == "" {
		template.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Save(template).Error
}

// ListTemplates 按类型列出模板
func (s *Store) ListTemplates(ctx context.Context, kind domain.TemplateKind) ([]domain.Template, error) {
	var templates []domain.Template
	err := s.db.WithContext(ctx).Where("kind = ?", kind).Order("id").Find(&templates).Error
	return templates, err
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
