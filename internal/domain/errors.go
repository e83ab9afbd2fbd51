package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMailboxNotFound    = errors.New("mailbox not found")
	ErrRecipientNotFound  = errors.New("recipient not found")
	ErrTemplateNotFound   = errors.New("template not found")
	ErrEmptyRecipientPool = errors.New("recipient pool is empty")
	ErrEmptyTemplatePool  = errors.New("template pool is empty")
	ErrCycleInProgress    = errors.New("warmup cycle already in progress")
	ErrCheckInProgress    = errors.New("scaling check already in progress")
)

// TransportError SMTP/IMAP 连接、认证或超时错误。
// 不在本轮内重试，下一个调度周期自然重试。
type TransportError struct {
	Op   string // dial, auth, send, login, select, search, fetch
	Host string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError 邮箱配置不合法，该邮箱被跳过。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// QuotaExceededError 表示当日额度已用完，调度时仅作为过滤条件。
type QuotaExceededError struct {
	MailboxID string
	Sent      int
	Limit     int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("mailbox %s reached daily quota (%d/%d)", e.MailboxID, e.Sent, e.Limit)
}

// OrchestrationError 编排后端执行扩缩容命令失败。
type OrchestrationError struct {
	Backend string
	Action  string
	Target  int
	Err     error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("%s backend failed to %s to %d workers: %v", e.Backend, e.Action, e.Target, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// IsTransportError 判断错误链中是否包含 TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
