package httptransport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailwarm/backend/internal/domain"
	"mailwarm/backend/internal/scaling"
	"mailwarm/backend/internal/service"
)

// SchedulerController 调度器对外操作
type SchedulerController interface {
	Start(ctx context.Context) bool
	Stop(ctx context.Context) error
	TriggerManualRunAsync() error
	GetStatus() service.SchedulerStatus
	GetDetailedStatus(ctx context.Context) (*service.DetailedStatus, error)
}

// MetricsReporter 统计查询操作
type MetricsReporter interface {
	GetMailboxMetrics(ctx context.Context, mailboxID string) ([]service.MailboxMetrics, error)
	GetQuotaStatus(ctx context.Context, filter service.QuotaFilter) ([]service.QuotaEntry, error)
	GetSummary(ctx context.Context) (*service.Summary, error)
	ExportPrometheusMetrics(ctx context.Context) (string, error)
}

// ScalerController 自动扩缩容对外操作
type ScalerController interface {
	GetStatus(ctx context.Context) (*scaling.Status, error)
	CheckAndScale(ctx context.Context) (*domain.ScalingDecision, error)
}

const stopTimeout = 30 * time.Second

// WarmupHandler 预热调度、统计与扩缩容 API 处理器
type WarmupHandler struct {
	scheduler SchedulerController
	reporter  MetricsReporter
	scaler    ScalerController
	baseCtx   context.Context
	log       *zap.Logger
}

// NewWarmupHandler 创建处理器
//
// 参数:
//   - baseCtx: 调度循环的生命周期上下文，通过 API 启动的调度器随其取消
//   - scaler: 可为 nil，表示未启用自动扩缩容
func NewWarmupHandler(baseCtx context.Context, scheduler SchedulerController, reporter MetricsReporter, scaler ScalerController, log *zap.Logger) *WarmupHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WarmupHandler{
		scheduler: scheduler,
		reporter:  reporter,
		scaler:    scaler,
		baseCtx:   baseCtx,
		log:       log,
	}
}

// GetSchedulerStatus 获取调度器状态
func (h *WarmupHandler) GetSchedulerStatus(c *gin.Context) {
	Success(c, h.scheduler.GetStatus())
}

// GetDetailedStatus 获取面板用的聚合状态
func (h *WarmupHandler) GetDetailedStatus(c *gin.Context) {
	status, err := h.scheduler.GetDetailedStatus(c.Request.Context())
	if err != nil {
		RespondError(c, err, nil)
		return
	}
	Success(c, status)
}

// StartScheduler 启动调度器，已运行时保持不变
func (h *WarmupHandler) StartScheduler(c *gin.Context) {
	started := h.scheduler.Start(h.baseCtx)
	msg := MsgSchedulerRunning
	if started {
		msg = MsgSchedulerStarted
		h.log.Info("Scheduler started via API", zap.String("ip", c.ClientIP()))
	}
	SuccessWithMsg(c, msg, gin.H{"running": true, "started": started})
}

// StopScheduler 停止调度器，等待进行中的周期结束
func (h *WarmupHandler) StopScheduler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), stopTimeout)
	defer cancel()

	if err := h.scheduler.Stop(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			Accepted(c, MsgSchedulerStopping)
			return
		}
		RespondError(c, err, nil)
		return
	}
	h.log.Info("Scheduler stopped via API", zap.String("ip", c.ClientIP()))
	SuccessWithMsg(c, MsgSchedulerStopped, gin.H{"running": false})
}

// TriggerCycle 在后台立即执行一轮预热
func (h *WarmupHandler) TriggerCycle(c *gin.Context) {
	if err := h.scheduler.TriggerManualRunAsync(); err != nil {
		RespondError(c, err, nil)
		return
	}
	Accepted(c, MsgCycleTriggered)
}

// GetMailboxMetrics 获取邮箱当日统计，mailboxId 可选
func (h *WarmupHandler) GetMailboxMetrics(c *gin.Context) {
	metrics, err := h.reporter.GetMailboxMetrics(c.Request.Context(), c.Query("mailboxId"))
	if err != nil {
		RespondError(c, err, nil)
		return
	}
	Success(c, metrics)
}

// GetQuotaStatus 获取额度状态，支持 mailboxId、userId、status 过滤
func (h *WarmupHandler) GetQuotaStatus(c *gin.Context) {
	filter := service.QuotaFilter{
		MailboxID: c.Query("mailboxId"),
		UserID:    c.Query("userId"),
		Status:    service.QuotaStatus(c.Query("status")),
	}
	switch filter.Status {
	case "", service.QuotaBehind, service.QuotaOnTrack, service.QuotaComplete:
	default:
		BadRequest(c, MsgInvalidQuotaStatus)
		return
	}

	entries, err := h.reporter.GetQuotaStatus(c.Request.Context(), filter)
	if err != nil {
		RespondError(c, err, nil)
		return
	}
	Success(c, entries)
}

// GetSummary 获取系统当日汇总
func (h *WarmupHandler) GetSummary(c *gin.Context) {
	summary, err := h.reporter.GetSummary(c.Request.Context())
	if err != nil {
		RespondError(c, err, nil)
		return
	}
	Success(c, summary)
}

// ExportWarmupMetrics 以 Prometheus 文本格式导出邮箱统计
func (h *WarmupHandler) ExportWarmupMetrics(c *gin.Context) {
	text, err := h.reporter.ExportPrometheusMetrics(c.Request.Context())
	if err != nil {
		RespondError(c, err, nil)
		return
	}
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(text))
}

// GetScalerStatus 获取扩缩容状态
func (h *WarmupHandler) GetScalerStatus(c *gin.Context) {
	if h.scaler == nil {
		ServiceUnavailable(c, MsgScalerDisabled)
		return
	}
	status, err := h.scaler.GetStatus(c.Request.Context())
	if err != nil {
		RespondError(c, err, nil)
		return
	}
	Success(c, status)
}

// CheckAndScale 立即执行一次扩缩容检查
func (h *WarmupHandler) CheckAndScale(c *gin.Context) {
	if h.scaler == nil {
		ServiceUnavailable(c, MsgScalerDisabled)
		return
	}
	decision, err := h.scaler.CheckAndScale(c.Request.Context())
	if err != nil {
		RespondError(c, err, decision)
		return
	}
	Success(c, decision)
}
