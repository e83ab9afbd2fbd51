package quota

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_DailyLimitMonotonicAndBounded 额度随天数单调不减，且不超过上限
func TestProperty_DailyLimitMonotonicAndBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("额度单调不减", prop.ForAll(
		func(start, inc, max, day int) bool {
			if max > 0 && start > max {
				start = max
			}
			return DailyLimit(start, inc, max, day+1) >= DailyLimit(start, inc, max, day)
		},
		gen.IntRange(0, 500),
		gen.IntRange(0, 50),
		gen.IntRange(-1, 1000),
		gen.IntRange(-5, 3650),
	))

	properties.Property("有上限时不超过上限", prop.ForAll(
		func(start, inc, max, day int) bool {
			if start > max {
				start = max
			}
			return DailyLimit(start, inc, max, day) <= max
		},
		gen.IntRange(0, 500),
		gen.IntRange(0, 50),
		gen.IntRange(1, 1000),
		gen.IntRange(1, 3650),
	))

	properties.Property("剩余额度非负", prop.ForAll(
		func(limit, sent int) bool {
			r := Remaining(limit, sent)
			return r >= 0 && r <= limit
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 2000),
	))

	properties.TestingRun(t)
}
