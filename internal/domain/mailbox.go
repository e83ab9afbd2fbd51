package domain

import (
	"strings"
	"time"
)

// TransportSecurity 描述 SMTP/IMAP 连接的加密方式。
type TransportSecurity string

const (
	SecurityTLS      TransportSecurity = "tls"      // 隐式 TLS（465 / 993）
	SecurityStartTLS TransportSecurity = "starttls" // 明文连接后升级
	SecurityNone     TransportSecurity = "none"     // 仅用于测试环境
)

// Mailbox 表示一个参与预热的发件身份。
//
// 凭据字段在落库前可由 crypto.Box 加密，服务层只接触明文副本。
type Mailbox struct {
	ID          string  `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email       string  `json:"email" gorm:"type:varchar(255);uniqueIndex"`
	DisplayName string  `json:"displayName" gorm:"type:varchar(255)"`
	UserID      *string `json:"userId,omitempty" gorm:"type:varchar(36);index"` // 为空表示归属管理员池

	SMTPHost     string            `json:"smtpHost" gorm:"type:varchar(255)"`
	SMTPPort     int               `json:"smtpPort"`
	SMTPUsername string            `json:"smtpUsername" gorm:"type:varchar(255)"`
	SMTPPassword string            `json:"-" gorm:"type:text"`
	SMTPSecurity TransportSecurity `json:"smtpSecurity" gorm:"type:varchar(16)"`

	IMAPHost     string            `json:"imapHost" gorm:"type:varchar(255)"`
	IMAPPort     int               `json:"imapPort"`
	IMAPUsername string            `json:"imapUsername" gorm:"type:varchar(255)"`
	IMAPPassword string            `json:"-" gorm:"type:text"`
	IMAPSecurity TransportSecurity `json:"imapSecurity" gorm:"type:varchar(16)"`

	// 预热配置
	StartCount       int        `json:"startCount"`
	IncreaseBy       int        `json:"increaseBy"`
	MaxDaily         int        `json:"maxDaily"` // 0 或 -1 表示不限
	ReplyRatePercent int        `json:"replyRatePercent"`
	WarmupEnabled    bool       `json:"warmupEnabled" gorm:"index"`
	WarmupStartDate  *time.Time `json:"warmupStartDate,omitempty"`

	TotalSent  int        `json:"totalSent"`
	LastSentAt *time.Time `json:"lastSentAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// EnableWarmup 打开预热开关。
// 预热时钟只在第一次启用时开始，之后的开关切换不会重置起始日期。
func (m *Mailbox) EnableWarmup(now time.Time) {
	m.WarmupEnabled = true
	if m.WarmupStartDate == nil {
		start := now.UTC()
		m.WarmupStartDate = &start
	}
}

// DisableWarmup 关闭预热开关，保留起始日期。
func (m *Mailbox) DisableWarmup() {
	m.WarmupEnabled = false
}

// DaysActive 计算预热已进行的天数，第一天为 1。
//
// 参数:
//   - now: 当前时间
//
// 返回值:
//   - int: floor((now - warmupStartDate) / 24h) + 1，未开始时返回 1
func (m *Mailbox) DaysActive(now time.Time) int {
	if m.WarmupStartDate == nil {
		return 1
	}
	elapsed := now.Sub(*m.WarmupStartDate)
	if elapsed < 0 {
		return 1
	}
	return int(elapsed/(24*time.Hour)) + 1
}

// Domain 返回发件地址的域名部分。
func (m *Mailbox) Domain() string {
	if i := strings.LastIndex(m.Email, "@"); i >= 0 {
		return strings.ToLower(m.Email[i+1:])
	}
	return ""
}

// SMTPLogin 返回 SMTP 登录名，未配置时使用发件地址。
func (m *Mailbox) SMTPLogin() string {
	if m.SMTPUsername != "" {
		return m.SMTPUsername
	}
	return m.Email
}

// IMAPLogin 返回 IMAP 登录名，未配置时使用发件地址。
func (m *Mailbox) IMAPLogin() string {
	if m.IMAPUsername != "" {
		return m.IMAPUsername
	}
	return m.Email
}

// HasInbound 表示该邮箱是否配置了收件服务器。
func (m *Mailbox) HasInbound() bool {
	return m.IMAPHost != "" && m.IMAPPort > 0
}
