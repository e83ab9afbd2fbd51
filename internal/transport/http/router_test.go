package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailwarm/backend/internal/domain"
	"mailwarm/backend/internal/health"
	"mailwarm/backend/internal/monitoring"
	"mailwarm/backend/internal/scaling"
	"mailwarm/backend/internal/service"
)

type stubScheduler struct {
	running    bool
	triggerErr error
	stopErr    error
	triggered  int
}

func (s *stubScheduler) Start(context.Context) bool {
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *stubScheduler) Stop(context.Context) error {
	if s.stopErr != nil {
		return s.stopErr
	}
	s.running = false
	return nil
}

func (s *stubScheduler) TriggerManualRunAsync() error {
	if s.triggerErr != nil {
		return s.triggerErr
	}
	s.triggered++
	return nil
}

func (s *stubScheduler) GetStatus() service.SchedulerStatus {
	return service.SchedulerStatus{Running: s.running}
}

func (s *stubScheduler) GetDetailedStatus(context.Context) (*service.DetailedStatus, error) {
	return &service.DetailedStatus{SchedulerStatus: s.GetStatus(), State: service.StateIdle}, nil
}

type stubReporter struct {
	lastFilter service.QuotaFilter
}

func (r *stubReporter) GetMailboxMetrics(_ context.Context, id string) ([]service.MailboxMetrics, error) {
	if id == "missing" {
		return nil, domain.ErrMailboxNotFound
	}
	return []service.MailboxMetrics{{MailboxID: "mb-1", SentToday: 4, DailyLimit: 9}}, nil
}

func (r *stubReporter) GetQuotaStatus(_ context.Context, f service.QuotaFilter) ([]service.QuotaEntry, error) {
	r.lastFilter = f
	return []service.QuotaEntry{{MailboxID: "mb-1", Sent: 9, Limit: 9, Status: service.QuotaComplete}}, nil
}

func (r *stubReporter) GetSummary(context.Context) (*service.Summary, error) {
	return &service.Summary{EnabledMailboxes: 1}, nil
}

func (r *stubReporter) ExportPrometheusMetrics(context.Context) (string, error) {
	return "mailwarm_mailbox_sent_today{email=\"a@example.com\",mailbox_id=\"mb-1\"} 4\n", nil
}

// MockScaler 模拟自动扩缩容器
type MockScaler struct {
	mock.Mock
}

func (m *MockScaler) GetStatus(ctx context.Context) (*scaling.Status, error) {
	args := m.Called(ctx)
	status, _ := args.Get(0).(*scaling.Status)
	return status, args.Error(1)
}

func (m *MockScaler) CheckAndScale(ctx context.Context) (*domain.ScalingDecision, error) {
	args := m.Called(ctx)
	d, _ := args.Get(0).(*domain.ScalingDecision)
	return d, args.Error(1)
}

type okStore struct{}

func (okStore) Health() error { return nil }

func newTestRouter(sched *stubScheduler, rep *stubReporter, scaler ScalerController) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(RouterDependencies{
		Scheduler: sched,
		Reporter:  rep,
		Scaler:    scaler,
		Health:    health.NewHealthChecker(okStore{}, nil),
		Metrics:   monitoring.NewMetrics(nil),
		Alerts:    monitoring.NewAlertManager(nil),
	})
}

func do(r http.Handler, method, path string) (*httptest.ResponseRecorder, Response) {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var resp Response
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestRouter_Scheduler(t *testing.T) {
	sched := &stubScheduler{}
	r := newTestRouter(sched, &stubReporter{}, nil)

	t.Run("启动幂等", func(t *testing.T) {
		rec, resp := do(r, http.MethodPost, "/api/v1/scheduler/start")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, MsgSchedulerStarted, resp.Msg)

		rec, resp = do(r, http.MethodPost, "/api/v1/scheduler/start")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, MsgSchedulerRunning, resp.Msg)
	})

	t.Run("状态", func(t *testing.T) {
		rec, _ := do(r, http.MethodGet, "/api/v1/scheduler/status")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"running":true`)

		rec, _ = do(r, http.MethodGet, "/api/v1/scheduler/status/detailed")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("手动触发", func(t *testing.T) {
		rec, _ := do(r, http.MethodPost, "/api/v1/scheduler/trigger")
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, 1, sched.triggered)

		sched.triggerErr = domain.ErrCycleInProgress
		rec, resp := do(r, http.MethodPost, "/api/v1/scheduler/trigger")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "预热周期正在执行，请稍后重试", resp.Msg)
	})

	t.Run("停止", func(t *testing.T) {
		rec, _ := do(r, http.MethodPost, "/api/v1/scheduler/stop")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, sched.running)

		sched.stopErr = context.DeadlineExceeded
		rec, _ = do(r, http.MethodPost, "/api/v1/scheduler/stop")
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})
}

func TestRouter_Metrics(t *testing.T) {
	rep := &stubReporter{}
	r := newTestRouter(&stubScheduler{}, rep, nil)

	t.Run("邮箱统计", func(t *testing.T) {
		rec, _ := do(r, http.MethodGet, "/api/v1/metrics/mailboxes")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"sentToday":4`)

		rec, _ = do(r, http.MethodGet, "/api/v1/metrics/mailboxes?mailboxId=missing")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("额度过滤参数", func(t *testing.T) {
		rec, _ := do(r, http.MethodGet, "/api/v1/metrics/quota?mailboxId=mb-1&userId=u-1&status=complete")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, service.QuotaFilter{MailboxID: "mb-1", UserID: "u-1", Status: service.QuotaComplete}, rep.lastFilter)

		rec, resp := do(r, http.MethodGet, "/api/v1/metrics/quota?status=late")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, MsgInvalidQuotaStatus, resp.Msg)
	})

	t.Run("Prometheus 导出", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/warmup", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "mailwarm_mailbox_sent_today")

		rec = httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "mailwarm_http_requests_total")
	})

	t.Run("健康检查", func(t *testing.T) {
		rec, _ := do(r, http.MethodGet, "/health/live")
		assert.Equal(t, http.StatusOK, rec.Code)
		rec, _ = do(r, http.MethodGet, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRouter_Scaler(t *testing.T) {
	t.Run("未启用", func(t *testing.T) {
		r := newTestRouter(&stubScheduler{}, &stubReporter{}, nil)
		rec, resp := do(r, http.MethodGet, "/api/v1/scaler/status")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, MsgScalerDisabled, resp.Msg)
	})

	t.Run("检查成功", func(t *testing.T) {
		scaler := new(MockScaler)
		scaler.On("CheckAndScale", mock.Anything).Return(&domain.ScalingDecision{
			Action: domain.ScaleUp, CurrentWorkers: 1, TargetWorkers: 2, MailboxCount: 850,
			UtilizationPercent: 85, Reason: "utilization above threshold", Timestamp: time.Now(),
		}, nil)
		r := newTestRouter(&stubScheduler{}, &stubReporter{}, scaler)

		rec, _ := do(r, http.MethodPost, "/api/v1/scaler/check")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"targetWorkers":2`)
		scaler.AssertExpectations(t)
	})

	t.Run("编排失败返回 502 并附带决策", func(t *testing.T) {
		decision := &domain.ScalingDecision{Action: domain.ScaleUp, CurrentWorkers: 1, TargetWorkers: 2, Error: "exit status 1"}
		orchErr := &domain.OrchestrationError{Backend: "compose", Action: "scale", Target: 2, Err: errors.New("exit status 1")}
		scaler := new(MockScaler)
		scaler.On("CheckAndScale", mock.Anything).Return(decision, orchErr)
		r := newTestRouter(&stubScheduler{}, &stubReporter{}, scaler)

		rec, resp := do(r, http.MethodPost, "/api/v1/scaler/check")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, MsgScalingFailed, resp.Msg)
		require.NotNil(t, resp.Data)
	})

	t.Run("并发检查", func(t *testing.T) {
		scaler := new(MockScaler)
		scaler.On("CheckAndScale", mock.Anything).Return(nil, domain.ErrCheckInProgress)
		r := newTestRouter(&stubScheduler{}, &stubReporter{}, scaler)

		rec, _ := do(r, http.MethodPost, "/api/v1/scaler/check")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}
