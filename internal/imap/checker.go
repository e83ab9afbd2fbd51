// Package imap 负责检查发件邮箱的收件箱，找出收件对象发来的未读邮件。
package imap

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
	"go.uber.org/zap"

	"mailwarm/backend/internal/domain"
)

// Account 收件服务器连接参数
type Account struct {
	Host     string
	Port     int
	Username string
	Password string
	Security domain.TransportSecurity
}

// AccountFromMailbox 从邮箱配置中提取收件连接参数
func AccountFromMailbox(m *domain.Mailbox) Account {
	return Account{
		Host:     m.IMAPHost,
		Port:     m.IMAPPort,
		Username: m.IMAPLogin(),
		Password: m.IMAPPassword,
		Security: m.IMAPSecurity,
	}
}

// InboundMessage 收件箱中找到的一封邮件
type InboundMessage struct {
	UID       uint32
	MessageID string
	Subject   string
	From      string
	Text      string
}

// Options 检查器参数
type Options struct {
	ConnectTimeout time.Duration
	SocketTimeout  time.Duration
	MaxMessages    int // 单次最多取回的邮件数
	TLSConfig      *tls.Config
}

// Checker 每次检查建立独立连接，检查完成后登出
type Checker struct {
	opts Options
	log  *zap.Logger
}

// NewChecker 创建收件箱检查器
func NewChecker(opts Options, log *zap.Logger) *Checker {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.SocketTimeout <= 0 {
		opts.SocketTimeout = 30 * time.Second
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{opts: opts, log: log}
}

func (c *Checker) tlsConfig(host string) *tls.Config {
	if c.opts.TLSConfig != nil {
		cfg := c.opts.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		return cfg
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

func (c *Checker) connect(acct Account, addr string) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: c.opts.ConnectTimeout}

	if acct.Security == domain.SecurityTLS {
		return client.DialWithDialerTLS(dialer, addr, c.tlsConfig(acct.Host))
	}

	cl, err := client.DialWithDialer(dialer, addr)
	if err != nil {
		return nil, err
	}
	if acct.Security == domain.SecurityStartTLS {
		if err := cl.StartTLS(c.tlsConfig(acct.Host)); err != nil {
			_ = cl.Logout()
			return nil, err
		}
	}
	return cl, nil
}

// FindUnseenFrom 查找来自指定地址的未读邮件，取回后标记为已读
//
// 参数:
//   - ctx: 取消时直接断开连接
//   - acct: 收件服务器连接参数
//   - from: 发件人地址过滤条件
//
// 返回值:
//   - []InboundMessage: 找到的邮件，按 UID 升序，最多 MaxMessages 封
//   - error: 任何失败都以 *domain.TransportError 返回
func (c *Checker) FindUnseenFrom(ctx context.Context, acct Account, from string) ([]InboundMessage, error) {
	addr := net.JoinHostPort(acct.Host, strconv.Itoa(acct.Port))
	fail := func(op string, err error) ([]InboundMessage, error) {
		return nil, &domain.TransportError{Op: op, Host: addr, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail("dial", err)
	}

	cl, err := c.connect(acct, addr)
	if err != nil {
		return fail("dial", err)
	}
	cl.Timeout = c.opts.SocketTimeout
	defer func() { _ = cl.Logout() }()

	stop := context.AfterFunc(ctx, func() { _ = cl.Terminate() })
	defer stop()

	if err := cl.Login(acct.Username, acct.Password); err != nil {
		return fail("login", err)
	}
	if _, err := cl.Select("INBOX", false); err != nil {
		return fail("select", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Header.Add("From", from)

	uids, err := cl.UidSearch(criteria)
	if err != nil {
		return fail("search", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}
	if len(uids) > c.opts.MaxMessages {
		uids = uids[:c.opts.MaxMessages]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- cl.UidFetch(seqSet, items, messages)
	}()

	var result []InboundMessage
	for msg := range messages {
		result = append(result, c.parse(msg, section))
	}
	if err := <-done; err != nil {
		return fail("fetch", err)
	}

	flags := []interface{}{imap.SeenFlag}
	if err := cl.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return fail("store", err)
	}

	c.log.Debug("inbound messages found",
		zap.String("host", addr),
		zap.String("from", from),
		zap.Int("count", len(result)),
	)
	return result, nil
}

func (c *Checker) parse(msg *imap.Message, section *imap.BodySectionName) InboundMessage {
	in := InboundMessage{UID: msg.Uid}
	if msg.Envelope != nil {
		in.MessageID = msg.Envelope.MessageId
		in.Subject = msg.Envelope.Subject
		if len(msg.Envelope.From) > 0 && msg.Envelope.From[0] != nil {
			in.From = msg.Envelope.From[0].Address()
		}
	}

	body := msg.GetBody(section)
	if body == nil {
		return in
	}
	env, err := enmime.ReadEnvelope(body)
	if err != nil {
		c.log.Debug("failed to parse inbound message", zap.Uint32("uid", msg.Uid), zap.Error(err))
		return in
	}
	if in.Subject == "" {
		in.Subject = env.GetHeader("Subject")
	}
	if in.MessageID == "" {
		in.MessageID = env.GetHeader("Message-ID")
	}
	in.Text = strings.TrimSpace(env.Text)
	return in
}
