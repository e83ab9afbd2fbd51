package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253

	MaxSubjectLength = 255
	MaxBodyLength    = 100000
)

var (
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

	// 域名验证（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)*$`)
)

// EmailValidator 邮箱验证器
type EmailValidator struct{}

// NewEmailValidator 创建邮箱验证器
func NewEmailValidator() *EmailValidator {
	return &EmailValidator{}
}

// ValidateEmail 完整验证邮箱地址
func (v *EmailValidator) ValidateEmail(email string) error {
	email = strings.TrimSpace(strings.ToLower(email))

	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ErrInvalidEmail
	}

	if err := v.ValidateLocalPart(parts[0]); err != nil {
		return err
	}
	return v.ValidateDomain(parts[1])
}

// ValidateLocalPart 验证邮箱本地部分
func (v *EmailValidator) ValidateLocalPart(localPart string) error {
	if localPart == "" {
		return ErrInvalidLocalPart
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}
	if strings.Contains(localPart, "..") {
		return ErrInvalidLocalPart
	}
	return nil
}

// ValidateDomain 验证域名
func (v *EmailValidator) ValidateDomain(domain string) error {
	if domain == "" || !strings.Contains(domain, ".") {
		return ErrInvalidDomain
	}
	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) > 63 {
			return ErrInvalidDomain
		}
	}
	return nil
}

// ValidateEmail 简化的验证函数，返回 bool
func ValidateEmail(email string) bool {
	return NewEmailValidator().ValidateEmail(email) == nil
}

// ValidateSubject 主题不能过长，也不能包含控制字符
func ValidateSubject(subject string) bool {
	if len(subject) > MaxSubjectLength {
		return false
	}
	for _, r := range subject {
		if r < 32 {
			return false
		}
	}
	return true
}

// IsUnlimited 判断 maxDaily 是否为"不限"标记值 (0 或 -1)
func IsUnlimited(maxDaily int) bool {
	return maxDaily == 0 || maxDaily == -1
}

// Validate 检查邮箱预热配置。
//
// 返回值:
//   - error: 第一个不合法字段对应的 *ValidationError，合法时为 nil
func (m *Mailbox) Validate() error {
	if m.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if err := NewEmailValidator().ValidateEmail(m.Email); err != nil {
		return &ValidationError{Field: "email", Reason: err.Error()}
	}
	if m.SMTPHost == "" {
		return &ValidationError{Field: "smtpHost", Reason: "is required"}
	}
	if m.SMTPPort <= 0 || m.SMTPPort > 65535 {
		return &ValidationError{Field: "smtpPort", Reason: fmt.Sprintf("%d out of range", m.SMTPPort)}
	}
	if err := validateSecurity("smtpSecurity", m.SMTPSecurity); err != nil {
		return err
	}
	if m.IMAPHost != "" {
		if m.IMAPPort <= 0 || m.IMAPPort > 65535 {
			return &ValidationError{Field: "imapPort", Reason: fmt.Sprintf("%d out of range", m.IMAPPort)}
		}
		if err := validateSecurity("imapSecurity", m.IMAPSecurity); err != nil {
			return err
		}
	}
	if m.StartCount < 0 {
		return &ValidationError{Field: "startCount", Reason: "must not be negative"}
	}
	if m.IncreaseBy < 0 {
		return &ValidationError{Field: "increaseBy", Reason: "must not be negative"}
	}
	if m.MaxDaily < -1 {
		return &ValidationError{Field: "maxDaily", Reason: "must be -1, 0 or positive"}
	}
	if !IsUnlimited(m.MaxDaily) && m.StartCount > m.MaxDaily {
		return &ValidationError{Field: "startCount", Reason: fmt.Sprintf("%d exceeds maxDaily %d", m.StartCount, m.MaxDaily)}
	}
	if m.ReplyRatePercent < 0 || m.ReplyRatePercent > 100 {
		return &ValidationError{Field: "replyRatePercent", Reason: "must be between 0 and 100"}
	}
	return nil
}

func validateSecurity(field string, s TransportSecurity) error {
	switch s {
	case "", SecurityTLS, SecurityStartTLS, SecurityNone:
		return nil
	}
	return &ValidationError{Field: field, Reason: fmt.Sprintf("unknown mode %q", s)}
}

// Validate 检查收件对象
func (r *Recipient) Validate() error {
	if !ValidateEmail(r.Email) {
		return &ValidationError{Field: "email", Reason: ErrInvalidEmail.Error()}
	}
	return nil
}

// Validate 检查模板内容
func (t *Template) Validate() error {
	switch t.Kind {
	case TemplateSend:
		if strings.TrimSpace(t.Subject) == "" {
			return &ValidationError{Field: "subject", Reason: "is required for send templates"}
		}
	case TemplateReply:
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown template kind %q", t.Kind)}
	}
	if !ValidateSubject(t.Subject) {
		return &ValidationError{Field: "subject", Reason: "too long or contains control characters"}
	}
	if strings.TrimSpace(t.Body) == "" {
		return &ValidationError{Field: "body", Reason: "is required"}
	}
	if len(t.Body) > MaxBodyLength {
		return &ValidationError{Field: "body", Reason: "too long"}
	}
	return nil
}
