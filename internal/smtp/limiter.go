package smtp

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter 按 SMTP 主机限制并发连接数与新建连接速率。
// 多个邮箱常共用同一个服务商，限制在主机维度上生效。
type HostLimiter struct {
	maxConns int
	perSec   rate.Limit
	burst    int

	mu    sync.Mutex
	hosts map[string]*hostSlot
}

type hostSlot struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

// NewHostLimiter 创建主机连接限流器
//
// 参数:
//   - maxConns: 单个主机的最大并发连接数，<=0 表示不限
//   - maxRate: 单个主机每秒最大新建连接数，<=0 表示不限
func NewHostLimiter(maxConns int, maxRate float64) *HostLimiter {
	limit := rate.Inf
	burst := 1
	if maxRate > 0 {
		limit = rate.Limit(maxRate)
		burst = int(maxRate)
		if burst < 1 {
			burst = 1
		}
	}
	return &HostLimiter{
		maxConns: maxConns,
		perSec:   limit,
		burst:    burst,
		hosts:    make(map[string]*hostSlot),
	}
}

func (l *HostLimiter) slot(host string) *hostSlot {
	host = strings.ToLower(host)

	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.hosts[host]
	if !ok {
		s = &hostSlot{limiter: rate.NewLimiter(l.perSec, l.burst)}
		if l.maxConns > 0 {
			s.sem = make(chan struct{}, l.maxConns)
		}
		l.hosts[host] = s
	}
	return s
}

// Acquire 等待获取连接许可
//
// 返回值:
//   - func(): 释放许可，连接关闭后必须调用
//   - error: ctx 被取消时返回
func (l *HostLimiter) Acquire(ctx context.Context, host string) (func(), error) {
	s := l.slot(host)

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		if s.sem != nil {
			<-s.sem
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if s.sem != nil {
				<-s.sem
			}
		})
	}, nil
}

// Current 当前主机的连接数
func (l *HostLimiter) Current(host string) int {
	s := l.slot(host)
	if s.sem == nil {
		return 0
	}
	return len(s.sem)
}
