package domain

import "time"

// EventStatus 事件日志状态
type EventStatus string

const (
	StatusSent    EventStatus = "SENT"
	StatusReplied EventStatus = "REPLIED"
	StatusFailed  EventStatus = "FAILED"
)

// EventAction 产生该事件的流水线步骤
type EventAction string

const (
	ActionSend       EventAction = "send"
	ActionInboxCheck EventAction = "inbox_check"
	ActionReply      EventAction = "reply"
)

// EventLog 只追加的发送日志。
//
// 配额统计只计算 Status == StatusSent 的记录，自动回复 (REPLIED) 不占用每日额度。
type EventLog struct {
	ID             string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Timestamp      time.Time   `json:"timestamp" gorm:"column:occurred_at;index:idx_event_sender_time,priority:2"`
	SenderID       string      `json:"senderId" gorm:"type:varchar(36);index:idx_event_sender_time,priority:1"`
	RecipientID    string      `json:"recipientId" gorm:"type:varchar(36)"`
	RecipientEmail string      `json:"recipientEmail" gorm:"type:varchar(255)"`
	Subject        string      `json:"subject" gorm:"type:varchar(255)"`
	Status         EventStatus `json:"status" gorm:"type:varchar(16);index"`
	Action         EventAction `json:"action" gorm:"type:varchar(16)"`
	Note           string      `json:"note" gorm:"type:text"`
}

// EventFilter 查询事件日志的条件，零值字段不参与过滤。
type EventFilter struct {
	SenderID string
	Status   EventStatus
	From     time.Time
	To       time.Time
	Limit    int
}
