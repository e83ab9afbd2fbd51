package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mailwarm/backend/internal/domain"
)

func BenchmarkMemoryStore_AppendEvent(b *testing.B) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.AppendEvent(ctx, &domain.EventLog{
			SenderID:  fmt.Sprintf("mailbox-%d", i%100),
			Status:    domain.StatusSent,
			Timestamp: now,
		})
	}
}

func BenchmarkMemoryStore_CountEvents(b *testing.B) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now()

	// 预先写入一天的日志
	for i := 0; i < 10000; i++ {
		status := domain.StatusSent
		if i%3 == 0 {
			status = domain.StatusReplied
		}
		store.AppendEvent(ctx, &domain.EventLog{
			SenderID:  fmt.Sprintf("mailbox-%d", i%100),
			Status:    status,
			Timestamp: now,
		})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.CountEvents(ctx, fmt.Sprintf("mailbox-%d", i%100), domain.StatusSent, now.Add(-time.Hour), now.Add(time.Hour))
	}
}
