package domain

import "time"

// Recipient 预热邮件的收件对象，不带任何预热状态。
type Recipient struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email     string    `json:"email" gorm:"type:varchar(255);uniqueIndex"`
	Name      string    `json:"name" gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"createdAt"`
}

// TemplateKind 模板类型
type TemplateKind string

const (
	TemplateSend  TemplateKind = "send"
	TemplateReply TemplateKind = "reply"
)

// Template 发送或回复模板，创建后不再修改。
// 回复模板只使用 Body。
type Template struct {
	ID        string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Kind      TemplateKind `json:"kind" gorm:"type:varchar(16);index"`
	Subject   string       `json:"subject" gorm:"type:varchar(255)"`
	Body      string       `json:"body" gorm:"type:text"`
	CreatedAt time.Time    `json:"createdAt"`
}
