package domain

import "time"

// ScalingAction 扩缩容动作
type ScalingAction string

const (
	ScaleUp   ScalingAction = "scale-up"
	ScaleDown ScalingAction = "scale-down"
	NoChange  ScalingAction = "no-change"
)

// ScalingDecision 一次扩缩容检查的结果，不落库。
type ScalingDecision struct {
	Action             ScalingAction `json:"action"`
	CurrentWorkers     int           `json:"currentWorkers"`
	TargetWorkers      int           `json:"targetWorkers"`
	MailboxCount       int           `json:"mailboxCount"`
	UtilizationPercent float64       `json:"utilizationPercent"`
	Reason             string        `json:"reason"`
	Timestamp          time.Time     `json:"timestamp"`
	Error              string        `json:"error,omitempty"`
}
