package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mailwarm/backend/internal/domain"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	domain.ErrMailboxNotFound: "邮箱不存在",
	domain.ErrCycleInProgress: "预热周期正在执行，请稍后重试",
	domain.ErrCheckInProgress: "扩缩容检查正在执行，请稍后重试",
}

// 错误到 HTTP 状态码的映射
var errorStatus = map[error]int{
	domain.ErrMailboxNotFound: http.StatusNotFound,
	domain.ErrCycleInProgress: http.StatusConflict,
	domain.ErrCheckInProgress: http.StatusConflict,
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for target, msg := range errorMessages {
		if errors.Is(err, target) {
			return msg
		}
	}
	var orch *domain.OrchestrationError
	if errors.As(err, &orch) {
		return MsgScalingFailed
	}
	return err.Error()
}

// statusFor 根据错误类型选择 HTTP 状态码
func statusFor(err error) int {
	for target, status := range errorStatus {
		if errors.Is(err, target) {
			return status
		}
	}
	var orch *domain.OrchestrationError
	if errors.As(err, &orch) {
		return http.StatusBadGateway
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// RespondError 按错误类型写出错误响应，并挂到 gin 上下文供日志中间件输出
func RespondError(c *gin.Context, err error, data interface{}) {
	_ = c.Error(err)
	status := statusFor(err)
	msg := GetErrorMessage(err)
	if status == http.StatusInternalServerError {
		msg = MsgInternalError
	}
	ErrorWithData(c, status, msg, data)
}

// 通用错误消息
const (
	MsgInvalidQuotaStatus = "status 参数无效，可选值: behind、on-track、complete"
	MsgScalerDisabled     = "自动扩缩容未启用"
	MsgScalingFailed      = "扩缩容命令执行失败"
	MsgSchedulerStarted   = "调度器已启动"
	MsgSchedulerRunning   = "调度器已在运行"
	MsgSchedulerStopped   = "调度器已停止"
	MsgSchedulerStopping  = "调度器正在停止，进行中的发送将在后台完成"
	MsgCycleTriggered     = "预热周期已在后台启动"
	MsgInternalError      = "服务器内部错误，请稍后重试"
)
