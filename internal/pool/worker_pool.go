package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// WorkerPool 协程池
//
// 用于限制一次调度周期内同时执行的发送流水线数量。
// 任务提交时若槽位已满会阻塞，直到有任务完成或 ctx 取消。
type WorkerPool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	active atomic.Int64
	log    *zap.Logger
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大并发数，小于 1 时按 1 处理
//   - log: 任务 panic 时的日志输出
func NewWorkerPool(maxWorkers int, log *zap.Logger) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		slots: make(chan struct{}, maxWorkers),
		log:   log,
	}
}

// Submit 提交任务
//
// 如果没有空闲槽位，会阻塞直到有空位或 ctx 被取消
//
// 参数:
//   - ctx: 只控制等待槽位，不会传给任务
//   - name: 任务名，用于日志
//   - task: 要执行的任务
//
// 返回值:
//   - error: ctx 在获得槽位前被取消
func (p *WorkerPool) Submit(ctx context.Context, name string, task func()) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	p.active.Add(1)
	go func() {
		defer func() {
			p.active.Add(-1)
			<-p.slots
			p.wg.Done()
		}()
		p.run(name, task)
	}()
	return nil
}

// TrySubmit 尝试提交任务
//
// 如果没有空闲槽位，立即返回 false
func (p *WorkerPool) TrySubmit(name string, task func()) bool {
	select {
	case p.slots <- struct{}{}:
	default:
		return false
	}

	p.wg.Add(1)
	p.active.Add(1)
	go func() {
		defer func() {
			p.active.Add(-1)
			<-p.slots
			p.wg.Done()
		}()
		p.run(name, task)
	}()
	return true
}

// Wait 等待所有已提交的任务结束
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Active 正在执行的任务数
func (p *WorkerPool) Active() int {
	return int(p.active.Load())
}

// Capacity 最大并发数
func (p *WorkerPool) Capacity() int {
	return cap(p.slots)
}

// run 执行任务（捕获 panic）
func (p *WorkerPool) run(name string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker task panicked",
				zap.String("task", name),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	task()
}
