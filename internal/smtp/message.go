package smtp

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Message 一封待发送的纯文本邮件
type Message struct {
	From       string
	FromName   string
	To         string
	ToName     string
	Subject    string
	Body       string
	MessageID  string // 为空时自动生成
	InReplyTo  string
	References string
	Date       time.Time
}

// NewMessageID 以发件域名生成 Message-ID
func NewMessageID(from string) string {
	domainPart := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domainPart = from[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domainPart)
}

// Compose 使用 gomail 生成 RFC 5322 格式的邮件内容
//
// 返回值:
//   - []byte: 完整的邮件内容
//   - string: 最终使用的 Message-ID
//   - error: 编码失败时返回错误
func Compose(msg *Message) ([]byte, string, error) {
	messageID := msg.MessageID
	if messageID == "" {
		messageID = NewMessageID(msg.From)
	}
	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.From, msg.FromName)
	m.SetAddressHeader("To", msg.To, msg.ToName)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetDateHeader("Date", date)
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", msg.InReplyTo)
		refs := msg.References
		if refs == "" {
			refs = msg.InReplyTo
		}
		m.SetHeader("References", refs)
	}
	m.SetBody("text/plain", msg.Body)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, "", fmt.Errorf("compose message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

// ReplySubject 在主题前加上 "Re: "，已有前缀时保持不变
func ReplySubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(trimmed), "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}
