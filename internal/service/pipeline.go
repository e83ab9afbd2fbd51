package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailwarm/backend/internal/cache"
	"mailwarm/backend/internal/cooldown"
	"mailwarm/backend/internal/crypto"
	"mailwarm/backend/internal/domain"
	"mailwarm/backend/internal/imap"
	"mailwarm/backend/internal/monitoring"
	"mailwarm/backend/internal/security"
	"mailwarm/backend/internal/smtp"
	"mailwarm/backend/internal/storage"
)

// Mailer 出站发送接口，由 smtp.Sender 实现
type Mailer interface {
	Send(ctx context.Context, acct smtp.Account, msg *smtp.Message) (string, error)
}

// InboxChecker 收件箱检查接口，由 imap.Checker 实现
type InboxChecker interface {
	FindUnseenFrom(ctx context.Context, acct imap.Account, from string) ([]imap.InboundMessage, error)
}

// EventPublisher 实时事件推送，由 websocket.Hub 实现
type EventPublisher interface {
	Publish(kind string, payload interface{})
}

// PipelineOptions 流水线参数
type PipelineOptions struct {
	ReplyEnabled      bool
	MaxSendsPerSecond float64       // 全局发送速率，<= 0 表示不限
	PoolCacheTTL      time.Duration // 收件对象与模板池的缓存时间
}

// PipelineResult 单次流水线执行结果
type PipelineResult struct {
	MailboxID string
	Sent      bool
	Replied   bool
	Skipped   bool // 冷却占用失败，未尝试发送
	Err       error
}

// Pipeline 发送/回复流水线
//
// 每次调用处理一个邮箱：随机选取收件对象与模板，发送一封预热邮件，
// 然后按回复概率检查收件箱并对收件对象发来的邮件自动回复。
// 每一步失败都只记录日志和 FAILED 事件，不会向调用方抛出。
type Pipeline struct {
	store   storage.Store
	tracker cooldown.Tracker
	mailer  Mailer
	inbox   InboxChecker
	box     *crypto.Box
	metrics *monitoring.Metrics
	events  EventPublisher
	filter  *security.ContentFilter
	opts    PipelineOptions
	log     *zap.Logger

	limiter    *rate.Limiter
	recipients *cache.LocalCache[[]domain.Recipient]
	templates  *cache.LocalCache[[]domain.Template]

	now   func() time.Time
	randN func(n int) int
}

// NewPipeline 创建发送流水线
//
// 参数:
//   - store: 账户、日志与模板存储
//   - tracker: 冷却跟踪器
//   - mailer: 出站发送
//   - inbox: 收件箱检查，为 nil 时跳过回复步骤
//   - opts: 流水线参数
//   - log: 日志
func NewPipeline(store storage.Store, tracker cooldown.Tracker, mailer Mailer, inbox InboxChecker, opts PipelineOptions, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	burst := 1
	if opts.MaxSendsPerSecond > 0 {
		limit = rate.Limit(opts.MaxSendsPerSecond)
		burst = max(1, int(opts.MaxSendsPerSecond))
	}

	return &Pipeline{
		store:      store,
		tracker:    tracker,
		mailer:     mailer,
		inbox:      inbox,
		opts:       opts,
		log:        log,
		limiter:    rate.NewLimiter(limit, burst),
		recipients: cache.NewLocalCache[[]domain.Recipient](opts.PoolCacheTTL, 0),
		templates:  cache.NewLocalCache[[]domain.Template](opts.PoolCacheTTL, 0),
		now:        time.Now,
		randN:      rand.IntN,
	}
}

// WithCredentialBox 落库凭据已加密时设置解密器
func (p *Pipeline) WithCredentialBox(box *crypto.Box) *Pipeline {
	p.box = box
	return p
}

// WithMetrics 设置监控指标
func (p *Pipeline) WithMetrics(m *monitoring.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// WithContentFilter 加载模板时过滤带垃圾邮件特征的模板
func (p *Pipeline) WithContentFilter(f *security.ContentFilter) *Pipeline {
	p.filter = f
	p.templates.Clear()
	return p
}

// WithEvents 设置实时事件推送
func (p *Pipeline) WithEvents(e EventPublisher) *Pipeline {
	p.events = e
	return p
}

// InvalidatePools 清空收件对象与模板缓存
func (p *Pipeline) InvalidatePools() {
	p.recipients.Clear()
	p.templates.Clear()
}

// Run 对一个邮箱执行一次完整的发送/回复流程
func (p *Pipeline) Run(ctx context.Context, mailbox *domain.Mailbox) PipelineResult {
	result := PipelineResult{MailboxID: mailbox.ID}
	log := p.log.With(zap.String("mailbox_id", mailbox.ID), zap.String("email", mailbox.Email))
	defer p.metrics.PipelineStarted()()

	reservation, err := p.tracker.TryReserve(ctx, mailbox.ID, p.now())
	if err != nil {
		log.Warn("cooldown reservation failed", zap.Error(err))
		result.Err = err
		return result
	}
	if reservation == nil {
		log.Debug("mailbox not eligible, skipping")
		result.Skipped = true
		return result
	}

	mb, err := p.openCredentials(mailbox)
	if err != nil {
		_ = reservation.Release(ctx)
		log.Error("failed to decrypt credentials", zap.Error(err))
		result.Err = err
		return result
	}

	recipient, tpl, err := p.pick(ctx, mb)
	if err != nil {
		_ = reservation.Release(ctx)
		log.Warn("cannot select recipient or template", zap.Error(err))
		result.Err = err
		return result
	}

	if err := p.send(ctx, mb, recipient, tpl, reservation, log); err != nil {
		result.Err = err
		return result
	}
	result.Sent = true

	if !p.shouldReply(mb) {
		return result
	}
	replied, err := p.reply(ctx, mb, recipient, log)
	result.Replied = replied
	if err != nil {
		// 出站邮件已经成功，回复步骤的失败不影响本次结果
		log.Warn("reply step failed", zap.Error(err))
	}
	return result
}

func (p *Pipeline) openCredentials(m *domain.Mailbox) (*domain.Mailbox, error) {
	if p.box == nil {
		return m, nil
	}
	return p.box.OpenMailbox(m)
}

// pick 在收件对象池与发送模板池中各均匀抽取一个，排除发件邮箱自身
func (p *Pipeline) pick(ctx context.Context, m *domain.Mailbox) (domain.Recipient, domain.Template, error) {
	recipients, err := p.recipients.GetOrLoad(ctx, "recipients", p.store.ListRecipients)
	if err != nil {
		return domain.Recipient{}, domain.Template{}, err
	}
	candidates := make([]domain.Recipient, 0, len(recipients))
	for _, r := range recipients {
		if !strings.EqualFold(r.Email, m.Email) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return domain.Recipient{}, domain.Template{}, domain.ErrEmptyRecipientPool
	}

	templates, err := p.loadTemplates(ctx, domain.TemplateSend)
	if err != nil {
		return domain.Recipient{}, domain.Template{}, err
	}
	if len(templates) == 0 {
		return domain.Recipient{}, domain.Template{}, domain.ErrEmptyTemplatePool
	}

	return candidates[p.randN(len(candidates))], templates[p.randN(len(templates))], nil
}

func (p *Pipeline) loadTemplates(ctx context.Context, kind domain.TemplateKind) ([]domain.Template, error) {
	return p.templates.GetOrLoad(ctx, string(kind), func(ctx context.Context) ([]domain.Template, error) {
		list, err := p.store.ListTemplates(ctx, kind)
		if err != nil || p.filter == nil {
			return list, err
		}
		kept, rejected := p.filter.FilterTemplates(list)
		for _, r := range rejected {
			p.log.Warn("template rejected by content filter",
				zap.String("template_id", r.TemplateID),
				zap.String("kind", string(kind)),
				zap.String("reason", r.Reason),
			)
		}
		return kept, nil
	})
}

// send 发送预热邮件。成功时依次写 SENT 日志、累加用量、提交冷却；失败时写 FAILED 日志并归还占用。
func (p *Pipeline) send(ctx context.Context, m *domain.Mailbox, r domain.Recipient, tpl domain.Template, res *cooldown.Reservation, log *zap.Logger) error {
	if err := p.limiter.Wait(ctx); err != nil {
		_ = res.Release(ctx)
		return err
	}

	msg := &smtp.Message{
		From:     m.Email,
		FromName: m.DisplayName,
		To:       r.Email,
		ToName:   r.Name,
		Subject:  tpl.Subject,
		Body:     tpl.Body,
		Date:     p.now(),
	}
	messageID, err := p.mailer.Send(ctx, smtp.AccountFromMailbox(m), msg)
	if err != nil {
		if relErr := res.Release(ctx); relErr != nil {
			log.Warn("failed to release cooldown reservation", zap.Error(relErr))
		}
		p.record(ctx, m, r, tpl.Subject, domain.StatusFailed, domain.ActionSend, err.Error(), log)
		p.metrics.RecordFailure(string(domain.ActionSend))
		log.Warn("warm-up send failed", zap.String("recipient", r.Email), zap.Error(err))
		return err
	}

	sentAt := p.now()
	p.record(ctx, m, r, tpl.Subject, domain.StatusSent, domain.ActionSend, messageID, log)
	if err := p.store.IncrementUsage(ctx, m.ID, sentAt); err != nil {
		log.Warn("failed to increment usage", zap.Error(err))
	}
	if err := res.Commit(ctx, sentAt); err != nil {
		log.Warn("failed to commit cooldown", zap.Error(err))
	}
	p.metrics.RecordSent()
	log.Info("warm-up email sent", zap.String("recipient", r.Email), zap.String("message_id", messageID))
	return nil
}

func (p *Pipeline) shouldReply(m *domain.Mailbox) bool {
	if !p.opts.ReplyEnabled || p.inbox == nil || !m.HasInbound() {
		return false
	}
	if m.ReplyRatePercent >= 100 {
		return true
	}
	return p.randN(100) < m.ReplyRatePercent
}

// reply 检查收件箱中来自收件对象的未读邮件，找到时回复其中第一封。
// 收件箱检查失败写一条 inbox_check 的 FAILED 日志。
func (p *Pipeline) reply(ctx context.Context, m *domain.Mailbox, r domain.Recipient, log *zap.Logger) (bool, error) {
	found, err := p.inbox.FindUnseenFrom(ctx, imap.AccountFromMailbox(m), r.Email)
	if err != nil {
		p.record(ctx, m, r, "", domain.StatusFailed, domain.ActionInboxCheck, err.Error(), log)
		p.metrics.RecordFailure(string(domain.ActionInboxCheck))
		return false, fmt.Errorf("inbox check: %w", err)
	}
	if len(found) == 0 {
		return false, nil
	}

	templates, err := p.loadTemplates(ctx, domain.TemplateReply)
	if err != nil {
		return false, err
	}
	if len(templates) == 0 {
		return false, domain.ErrEmptyTemplatePool
	}
	text := templates[p.randN(len(templates))].Body
	inbound := found[0]
	subject := smtp.ReplySubject(inbound.Subject)

	if err := p.limiter.Wait(ctx); err != nil {
		return false, err
	}
	msg := &smtp.Message{
		From:      m.Email,
		FromName:  m.DisplayName,
		To:        r.Email,
		ToName:    r.Name,
		Subject:   subject,
		Body:      text,
		InReplyTo: inbound.MessageID,
		Date:      p.now(),
	}
	if _, err := p.mailer.Send(ctx, smtp.AccountFromMailbox(m), msg); err != nil {
		p.record(ctx, m, r, subject, domain.StatusFailed, domain.ActionReply, err.Error(), log)
		p.metrics.RecordFailure(string(domain.ActionReply))
		return false, fmt.Errorf("send reply: %w", err)
	}

	p.record(ctx, m, r, subject, domain.StatusReplied, domain.ActionReply, text, log)
	p.metrics.RecordReplied()
	log.Info("auto-reply sent", zap.String("recipient", r.Email), zap.String("in_reply_to", inbound.MessageID))
	return true, nil
}

func (p *Pipeline) record(ctx context.Context, m *domain.Mailbox, r domain.Recipient, subject string, status domain.EventStatus, action domain.EventAction, note string, log *zap.Logger) {
	event := &domain.EventLog{
		Timestamp:      p.now().UTC(),
		SenderID:       m.ID,
		RecipientID:    r.ID,
		RecipientEmail: r.Email,
		Subject:        subject,
		Status:         status,
		Action:         action,
		Note:           note,
	}
	if err := p.store.AppendEvent(ctx, event); err != nil {
		log.Error("failed to append event", zap.String("status", string(status)), zap.Error(err))
		return
	}
	if p.events != nil {
		p.events.Publish("event", event)
	}
}
