package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AlertRule 告警规则
//
// Condition 返回 true 时触发，返回的字符串作为告警正文。
// 条件恢复后同一规则的活跃告警自动解除。
type AlertRule struct {
	ID            string
	Name          string
	Condition     func() (bool, string)
	Level         AlertLevel
	Component     string
	Cooldown      time.Duration
	LastTriggered time.Time
}

// AlertManager 告警管理器
type AlertManager struct {
	alerts    map[string]*Alert
	rules     []AlertRule
	receivers []AlertReceiver
	logger    *zap.Logger
	mu        sync.RWMutex
	now       func() time.Time
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		alerts:    make(map[string]*Alert),
		rules:     make([]AlertRule, 0),
		receivers: make([]AlertReceiver, 0),
		logger:    logger,
		now:       time.Now,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// TriggerAlert 触发告警，同 ID 的告警未解除时不重复发送
func (am *AlertManager) TriggerAlert(alert *Alert) {
	am.mu.Lock()
	if existing, exists := am.alerts[alert.ID]; exists && !existing.Resolved {
		am.mu.Unlock()
		am.logger.Debug("Alert already active", zap.String("alert_id", alert.ID))
		return
	}
	am.alerts[alert.ID] = alert
	receivers := append([]AlertReceiver(nil), am.receivers...)
	am.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.logger.Error("Failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}

	am.logger.Info("Alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

// ResolveAlert 解决告警
func (am *AlertManager) ResolveAlert(alertID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if alert, exists := am.alerts[alertID]; exists && !alert.Resolved {
		now := am.now()
		alert.Resolved = true
		alert.ResolvedAt = &now

		am.logger.Info("Alert resolved", zap.String("alert_id", alertID))
	}
}

// GetAlerts 获取告警列表，按时间倒序
func (am *AlertManager) GetAlerts() []Alert {
	return am.collect(func(*Alert) bool { return true })
}

// GetActiveAlerts 获取活跃告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	return am.collect(func(a *Alert) bool { return !a.Resolved })
}

func (am *AlertManager) collect(keep func(*Alert) bool) []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0, len(am.alerts))
	for _, alert := range am.alerts {
		if keep(alert) {
			alerts = append(alerts, *alert)
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Timestamp.After(alerts[j].Timestamp) })
	return alerts
}

// CheckRules 检查告警规则
func (am *AlertManager) CheckRules() {
	am.mu.RLock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.RUnlock()

	now := am.now()
	for _, rule := range rules {
		firing, message := rule.Condition()
		if !firing {
			am.ResolveAlert(rule.ID)
			continue
		}

		// 检查冷却时间
		if !rule.LastTriggered.IsZero() && now.Sub(rule.LastTriggered) < rule.Cooldown {
			continue
		}

		am.TriggerAlert(&Alert{
			ID:        rule.ID,
			Title:     rule.Name,
			Message:   message,
			Level:     rule.Level,
			Component: rule.Component,
			Timestamp: now,
		})

		// 更新最后触发时间
		am.mu.Lock()
		for i, r := range am.rules {
			if r.ID == rule.ID {
				am.rules[i].LastTriggered = now
				break
			}
		}
		am.mu.Unlock()
	}
}

// StartMonitoring 启动监控，阻塞到 ctx 取消
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules()
		}
	}
}

// ========== 内置告警规则 ==========

// CycleSnapshot 最近一轮调度的发送统计
type CycleSnapshot struct {
	Dispatched int
	Failed     int
}

// HighFailureRatioRule 最近一轮调度失败比例过高
//
// 参数:
//   - snapshot: 返回最近一轮的统计，尚无周期时第二个返回值为 false
//   - threshold: 失败比例阈值，0..1
//   - minDispatched: 派发数低于该值时不判断
func HighFailureRatioRule(snapshot func() (CycleSnapshot, bool), threshold float64, minDispatched int) AlertRule {
	return AlertRule{
		ID:   "high_failure_ratio",
		Name: "High Send Failure Ratio",
		Condition: func() (bool, string) {
			s, ok := snapshot()
			if !ok || s.Dispatched == 0 || s.Dispatched < minDispatched {
				return false, ""
			}
			ratio := float64(s.Failed) / float64(s.Dispatched)
			if ratio < threshold {
				return false, ""
			}
			return true, fmt.Sprintf("%d of %d pipeline invocations failed in the last cycle (%.0f%%)", s.Failed, s.Dispatched, ratio*100)
		},
		Level:     AlertLevelWarning,
		Component: "scheduler",
		Cooldown:  15 * time.Minute,
	}
}

// ScalerSnapshot 扩缩容器状态
type ScalerSnapshot struct {
	CurrentWorkers          int
	MaxWorkers              int
	UtilizationPercent      float64
	ScaleUpThresholdPercent float64
}

// ScalerSaturatedRule worker 数已到上限且利用率仍高于扩容阈值
func ScalerSaturatedRule(snapshot func() (ScalerSnapshot, bool)) AlertRule {
	return AlertRule{
		ID:   "scaler_saturated",
		Name: "Worker Capacity Exhausted",
		Condition: func() (bool, string) {
			s, ok := snapshot()
			if !ok || s.CurrentWorkers < s.MaxWorkers || s.UtilizationPercent < s.ScaleUpThresholdPercent {
				return false, ""
			}
			return true, fmt.Sprintf("running at max %d workers with %.1f%% utilization", s.MaxWorkers, s.UtilizationPercent)
		},
		Level:     AlertLevelCritical,
		Component: "autoscaler",
		Cooldown:  30 * time.Minute,
	}
}

// StoreHealthRule 存储不可用
func StoreHealthRule(check func() error) AlertRule {
	return AlertRule{
		ID:   "store_unhealthy",
		Name: "Store Unavailable",
		Condition: func() (bool, string) {
			if err := check(); err != nil {
				return true, fmt.Sprintf("store health check failed: %v", err)
			}
			return false, ""
		},
		Level:     AlertLevelCritical,
		Component: "database",
		Cooldown:  time.Minute,
	}
}

// SchedulerStalledRule 调度器运行中但长时间没有完成任何周期
func SchedulerStalledRule(lastCycle func() (time.Time, bool), maxAge time.Duration, now func() time.Time) AlertRule {
	return AlertRule{
		ID:   "scheduler_stalled",
		Name: "Scheduler Stalled",
		Condition: func() (bool, string) {
			last, running := lastCycle()
			if !running || last.IsZero() {
				return false, ""
			}
			age := now().Sub(last)
			if age <= maxAge {
				return false, ""
			}
			return true, fmt.Sprintf("no warm-up cycle completed for %s", age.Round(time.Second))
		},
		Level:     AlertLevelWarning,
		Component: "scheduler",
		Cooldown:  30 * time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}
	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}

// WebhookAlertReceiver Webhook 告警接收器，以 JSON POST 告警内容
type WebhookAlertReceiver struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookAlertReceiver 创建 Webhook 告警接收器
func NewWebhookAlertReceiver(url string, logger *zap.Logger) *WebhookAlertReceiver {
	return &WebhookAlertReceiver{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// SendAlert 发送告警到 Webhook
func (war *WebhookAlertReceiver) SendAlert(alert *Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	resp, err := war.client.Post(war.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %s", resp.Status)
	}
	war.logger.Debug("Alert delivered to webhook",
		zap.String("alert_id", alert.ID),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}
