// Package smtp 负责预热邮件的出站发送。
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailwarm/backend/internal/domain"
)

// Account 发件服务器连接参数
type Account struct {
	Host     string
	Port     int
	Username string
	Password string
	Security domain.TransportSecurity
}

// AccountFromMailbox 从邮箱配置中提取出站连接参数
func AccountFromMailbox(m *domain.Mailbox) Account {
	return Account{
		Host:     m.SMTPHost,
		Port:     m.SMTPPort,
		Username: m.SMTPLogin(),
		Password: m.SMTPPassword,
		Security: m.SMTPSecurity,
	}
}

// Options 发送器参数
type Options struct {
	ConnectTimeout  time.Duration
	GreetingTimeout time.Duration
	SocketTimeout   time.Duration
	HeloName        string
	TLSConfig       *tls.Config // 为空时按主机名校验证书
}

// Sender 通过 SMTP 发送单封邮件，每次发送使用独立连接
type Sender struct {
	opts    Options
	limiter *HostLimiter
	log     *zap.Logger
}

// NewSender 创建发送器
func NewSender(opts Options, limiter *HostLimiter, log *zap.Logger) *Sender {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.GreetingTimeout <= 0 {
		opts.GreetingTimeout = 10 * time.Second
	}
	if opts.SocketTimeout <= 0 {
		opts.SocketTimeout = 30 * time.Second
	}
	if opts.HeloName == "" {
		opts.HeloName = "localhost"
	}
	if limiter == nil {
		limiter = NewHostLimiter(0, 0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{opts: opts, limiter: limiter, log: log}
}

func (s *Sender) tlsConfig(host string) *tls.Config {
	if s.opts.TLSConfig != nil {
		cfg := s.opts.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		return cfg
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

// Send 发送一封邮件
//
// 参数:
//   - ctx: 用于等待限流许可与拨号
//   - acct: 发件服务器连接参数
//   - msg: 邮件内容
//
// 返回值:
//   - string: 实际发送的 Message-ID
//   - error: 任何失败都以 *domain.TransportError 返回
func (s *Sender) Send(ctx context.Context, acct Account, msg *Message) (string, error) {
	addr := net.JoinHostPort(acct.Host, strconv.Itoa(acct.Port))
	fail := func(op string, err error) (string, error) {
		return "", &domain.TransportError{Op: op, Host: addr, Err: err}
	}

	raw, messageID, err := Compose(msg)
	if err != nil {
		return fail("compose", err)
	}

	release, err := s.limiter.Acquire(ctx, acct.Host)
	if err != nil {
		return fail("limit", err)
	}
	defer release()

	dialer := &net.Dialer{Timeout: s.opts.ConnectTimeout}
	var conn net.Conn
	if acct.Security == domain.SecurityTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig(acct.Host)}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fail("dial", err)
	}

	var c *gosmtp.Client
	if acct.Security == domain.SecurityStartTLS {
		// 问候与 STARTTLS 在构造时完成，超过问候超时直接关闭连接
		watchdog := time.AfterFunc(s.opts.GreetingTimeout, func() { _ = conn.Close() })
		c, err = gosmtp.NewClientStartTLS(conn, s.tlsConfig(acct.Host))
		watchdog.Stop()
		if err != nil {
			_ = conn.Close()
			return fail("starttls", err)
		}
	} else {
		c = gosmtp.NewClient(conn)
	}
	defer c.Close()

	// 问候阶段使用单独的超时
	c.CommandTimeout = s.opts.GreetingTimeout
	if err := c.Hello(s.opts.HeloName); err != nil {
		return fail("hello", err)
	}
	c.CommandTimeout = s.opts.SocketTimeout
	c.SubmissionTimeout = s.opts.SocketTimeout

	if acct.Password != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(sasl.NewPlainClient("", acct.Username, acct.Password)); err != nil {
				return fail("auth", err)
			}
		}
	}

	if err := c.SendMail(msg.From, []string{msg.To}, bytes.NewReader(raw)); err != nil {
		return fail("send", err)
	}

	if err := c.Quit(); err != nil {
		// 邮件已被接受，QUIT 失败不影响结果
		s.log.Debug("SMTP quit failed", zap.String("host", addr), zap.Error(err))
	}

	s.log.Debug("message sent",
		zap.String("host", addr),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("messageId", messageID),
	)
	return messageID, nil
}
