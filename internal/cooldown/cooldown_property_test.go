package cooldown

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_ConsecutiveSendsRespectMinCooldown 两次成功发送的间隔不小于最小冷却时长
func TestProperty_ConsecutiveSendsRespectMinCooldown(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	minCooldown := 20 * time.Minute
	window := Window{Min: minCooldown, Max: 45 * time.Minute}

	properties.Property("consecutive_sends_respect_min_cooldown", prop.ForAll(
		func(steps []int) bool {
			ctx := context.Background()
			tr := NewMemoryTracker(window)
			now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

			var last time.Time
			sent := false
			for _, step := range steps {
				now = now.Add(time.Duration(step) * time.Minute)
				res, _ := tr.TryReserve(ctx, "mb", now)
				if res == nil {
					continue
				}
				if sent && now.Sub(last) < minCooldown {
					return false
				}
				_ = res.Commit(ctx, now)
				last, sent = now, true
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 30)),
	))

	properties.TestingRun(t)
}
