package service

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"mailwarm/backend/internal/domain"
	"mailwarm/backend/internal/quota"
	"mailwarm/backend/internal/storage"
)

// QuotaStatus 邮箱当日额度的完成情况
type QuotaStatus string

const (
	QuotaBehind   QuotaStatus = "behind"
	QuotaOnTrack  QuotaStatus = "on-track"
	QuotaComplete QuotaStatus = "complete"
)

// MailboxMetrics 单个邮箱的当日统计
type MailboxMetrics struct {
	MailboxID        string  `json:"mailboxId"`
	Email            string  `json:"email"`
	SentToday        int     `json:"sentToday"`
	RepliedToday     int     `json:"repliedToday"`
	FailedToday      int     `json:"failedToday"`
	DailyLimit       int     `json:"dailyLimit"`
	Unlimited        bool    `json:"unlimited"`
	Remaining        int     `json:"remaining"`
	FillRatePercent  float64 `json:"fillRatePercent"`
	ReplyRatePercent float64 `json:"replyRatePercent"`
	TotalSent        int     `json:"totalSent"`
	DaysActive       int     `json:"daysActive"`
}

// QuotaEntry 单个邮箱的额度状态
type QuotaEntry struct {
	MailboxID string      `json:"mailboxId"`
	Email     string      `json:"email"`
	Sent      int         `json:"sent"`
	Limit     int         `json:"limit"`
	Unlimited bool        `json:"unlimited"` // 不封顶，Limit 仍为爬坡额度
	Remaining int         `json:"remaining"`
	Status    QuotaStatus `json:"status"`
}

// QuotaFilter 额度查询条件，零值字段不参与过滤
type QuotaFilter struct {
	MailboxID string
	UserID    string
	Status    QuotaStatus
}

// Summary 系统级当日汇总
type Summary struct {
	EnabledMailboxes int       `json:"enabledMailboxes"`
	SentToday        int       `json:"sentToday"`
	RepliedToday     int       `json:"repliedToday"`
	FailedToday      int       `json:"failedToday"`
	CapacityToday    int       `json:"capacityToday"` // 有上限邮箱的额度之和
	RemainingToday   int       `json:"remainingToday"`
	Behind           int       `json:"behind"`
	OnTrack          int       `json:"onTrack"`
	Complete         int       `json:"complete"`
	DayStart         time.Time `json:"dayStart"`
}

// Reporter 从事件日志聚合邮箱与系统统计。
//
// 当日发送量只统计 SENT 事件，REPLIED 与 FAILED 单独计数，不计入额度。
type Reporter struct {
	store          storage.Store
	loc            *time.Location
	onTrackPercent int
	log            *zap.Logger
	now            func() time.Time
}

// NewReporter 创建统计报告器
//
// 参数:
//   - store: 存储
//   - loc: 计算"今天"使用的时区，nil 表示 UTC
//   - onTrackPercent: 发送量达到额度的该百分比即视为 on-track
func NewReporter(store storage.Store, loc *time.Location, onTrackPercent int, log *zap.Logger) *Reporter {
	if loc == nil {
		loc = time.UTC
	}
	if onTrackPercent <= 0 || onTrackPercent > 100 {
		onTrackPercent = 50
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{store: store, loc: loc, onTrackPercent: onTrackPercent, log: log, now: time.Now}
}

type dayCounts struct {
	sent, replied, failed map[string]int
	start                 time.Time
}

func (r *Reporter) loadCounts(ctx context.Context, now time.Time) (*dayCounts, error) {
	from, to := quota.DayWindow(now, r.loc)
	sent, err := r.store.CountEventsByStatus(ctx, domain.StatusSent, from, to)
	if err != nil {
		return nil, err
	}
	replied, err := r.store.CountEventsByStatus(ctx, domain.StatusReplied, from, to)
	if err != nil {
		return nil, err
	}
	failed, err := r.store.CountEventsByStatus(ctx, domain.StatusFailed, from, to)
	if err != nil {
		return nil, err
	}
	return &dayCounts{sent: sent, replied: replied, failed: failed, start: from}, nil
}

func (r *Reporter) mailboxes(ctx context.Context, mailboxID string) ([]domain.Mailbox, error) {
	if mailboxID == "" {
		return r.store.ListWarmupEnabledMailboxes(ctx)
	}
	m, err := r.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	return []domain.Mailbox{*m}, nil
}

// classify 根据当日发送量与额度判断状态。
// 不设上限的邮箱仍按爬坡额度判断。
func (r *Reporter) classify(sent, limit int) QuotaStatus {
	if quota.Remaining(limit, sent) == 0 {
		return QuotaComplete
	}
	if int64(sent)*100 >= int64(limit)*int64(r.onTrackPercent) {
		return QuotaOnTrack
	}
	return QuotaBehind
}

// GetMailboxMetrics 返回邮箱的当日发送、回复与完成率
//
// 参数:
//   - mailboxID: 为空时返回所有启用预热的邮箱
//
// 返回值:
//   - []MailboxMetrics: 按邮箱地址排序
//   - error: 邮箱不存在时返回 domain.ErrMailboxNotFound
func (r *Reporter) GetMailboxMetrics(ctx context.Context, mailboxID string) ([]MailboxMetrics, error) {
	now := r.now()
	list, err := r.mailboxes(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	counts, err := r.loadCounts(ctx, now)
	if err != nil {
		return nil, err
	}

	out := make([]MailboxMetrics, 0, len(list))
	for i := range list {
		m := &list[i]
		sent := counts.sent[m.ID]
		replied := counts.replied[m.ID]
		limit := quota.ForMailbox(m, now)

		mm := MailboxMetrics{
			MailboxID:    m.ID,
			Email:        m.Email,
			SentToday:    sent,
			RepliedToday: replied,
			FailedToday:  counts.failed[m.ID],
			DailyLimit:   limit,
			Unlimited:    domain.IsUnlimited(m.MaxDaily),
			Remaining:    quota.Remaining(limit, sent),
			TotalSent:    m.TotalSent,
			DaysActive:   m.DaysActive(now),
		}
		if limit > 0 {
			mm.FillRatePercent = percent(sent, limit)
		}
		if sent > 0 {
			mm.ReplyRatePercent = percent(replied, sent)
		}
		out = append(out, mm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// GetQuotaStatus 返回邮箱的额度状态，结果按邮箱地址排序
func (r *Reporter) GetQuotaStatus(ctx context.Context, filter QuotaFilter) ([]QuotaEntry, error) {
	now := r.now()
	list, err := r.mailboxes(ctx, filter.MailboxID)
	if err != nil {
		return nil, err
	}
	counts, err := r.loadCounts(ctx, now)
	if err != nil {
		return nil, err
	}

	out := make([]QuotaEntry, 0, len(list))
	for i := range list {
		m := &list[i]
		if filter.UserID != "" && (m.UserID == nil || *m.UserID != filter.UserID) {
			continue
		}
		sent := counts.sent[m.ID]
		limit := quota.ForMailbox(m, now)
		entry := QuotaEntry{
			MailboxID: m.ID,
			Email:     m.Email,
			Sent:      sent,
			Limit:     limit,
			Unlimited: domain.IsUnlimited(m.MaxDaily),
			Remaining: quota.Remaining(limit, sent),
			Status:    r.classify(sent, limit),
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// GetSummary 返回系统级当日汇总
func (r *Reporter) GetSummary(ctx context.Context) (*Summary, error) {
	now := r.now()
	list, err := r.store.ListWarmupEnabledMailboxes(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := r.loadCounts(ctx, now)
	if err != nil {
		return nil, err
	}

	s := &Summary{EnabledMailboxes: len(list), DayStart: counts.start}
	for _, n := range counts.sent {
		s.SentToday += n
	}
	for _, n := range counts.replied {
		s.RepliedToday += n
	}
	for _, n := range counts.failed {
		s.FailedToday += n
	}
	for i := range list {
		m := &list[i]
		sent := counts.sent[m.ID]
		limit := quota.ForMailbox(m, now)
		s.CapacityToday += limit
		s.RemainingToday += quota.Remaining(limit, sent)
		switch r.classify(sent, limit) {
		case QuotaComplete:
			s.Complete++
		case QuotaOnTrack:
			s.OnTrack++
		default:
			s.Behind++
		}
	}
	return s, nil
}

// ExportPrometheusMetrics 以 Prometheus 文本格式导出当日邮箱与系统指标
//
// 每次调用使用新的 Registry，输出只反映调用时刻的存储状态。
func (r *Reporter) ExportPrometheusMetrics(ctx context.Context) (string, error) {
	metrics, err := r.GetMailboxMetrics(ctx, "")
	if err != nil {
		return "", err
	}
	summary, err := r.GetSummary(ctx)
	if err != nil {
		return "", err
	}

	reg := prometheus.NewRegistry()
	labels := []string{"mailbox_id", "email"}
	sent := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mailwarm_mailbox_sent_today", Help: "SENT events today per mailbox"}, labels)
	replied := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mailwarm_mailbox_replied_today", Help: "REPLIED events today per mailbox"}, labels)
	failed := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mailwarm_mailbox_failed_today", Help: "FAILED events today per mailbox"}, labels)
	limit := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mailwarm_mailbox_daily_limit", Help: "Daily send limit per mailbox from the ramp-up formula"}, labels)
	remaining := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mailwarm_mailbox_remaining_today", Help: "Remaining sends today per mailbox"}, labels)
	fill := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mailwarm_mailbox_fill_rate_percent", Help: "Share of the daily limit used"}, labels)
	uncapped := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mailwarm_mailbox_uncapped", Help: "1 when the mailbox has no daily cap"}, labels)
	reg.MustRegister(sent, replied, failed, limit, remaining, fill, uncapped)

	for _, m := range metrics {
		lv := []string{m.MailboxID, m.Email}
		sent.WithLabelValues(lv...).Set(float64(m.SentToday))
		replied.WithLabelValues(lv...).Set(float64(m.RepliedToday))
		failed.WithLabelValues(lv...).Set(float64(m.FailedToday))
		limit.WithLabelValues(lv...).Set(float64(m.DailyLimit))
		remaining.WithLabelValues(lv...).Set(float64(m.Remaining))
		if m.Unlimited {
			uncapped.WithLabelValues(lv...).Set(1)
		} else {
			uncapped.WithLabelValues(lv...).Set(0)
		}
		fill.WithLabelValues(lv...).Set(m.FillRatePercent)
	}

	systemGauge := func(name, help string, v int) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		g.Set(float64(v))
		reg.MustRegister(g)
	}
	systemGauge("mailwarm_system_enabled_mailboxes", "Mailboxes with warm-up enabled", summary.EnabledMailboxes)
	systemGauge("mailwarm_system_sent_today", "SENT events today", summary.SentToday)
	systemGauge("mailwarm_system_replied_today", "REPLIED events today", summary.RepliedToday)
	systemGauge("mailwarm_system_failed_today", "FAILED events today", summary.FailedToday)
	systemGauge("mailwarm_system_remaining_today", "Remaining sends today across all mailboxes", summary.RemainingToday)

	families, err := reg.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

func percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) * 100 / float64(whole)
}
