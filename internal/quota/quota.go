// Package quota 实现预热爬坡公式：根据邮箱的预热天数计算当日允许发送的数量。
package quota

import (
	"math"
	"time"

	"mailwarm/backend/internal/domain"
)

// Unlimited 表示无上限时 DailyLimit 的返回值
const Unlimited = math.MaxInt32

// DailyLimit 计算当日发送额度。
//
// 公式: min(startCount + (daysActive-1)*increaseBy, maxDaily)，
// maxDaily 为 0 或 -1 时不设上限。daysActive 小于 1 时按 1 处理。
//
// 参数:
//   - startCount: 第一天的发送量
//   - increaseBy: 每天的增量
//   - maxDaily: 每日上限
//   - daysActive: 预热天数，第一天为 1
//
// 返回值:
//   - int: 当日额度，永远不为负
func DailyLimit(startCount, increaseBy, maxDaily, daysActive int) int {
	if daysActive < 1 {
		daysActive = 1
	}
	if startCount < 0 {
		startCount = 0
	}
	if increaseBy < 0 {
		increaseBy = 0
	}

	limit := int64(startCount) + int64(daysActive-1)*int64(increaseBy)
	if limit > Unlimited {
		limit = Unlimited
	}
	if !domain.IsUnlimited(maxDaily) && limit > int64(maxDaily) {
		limit = int64(maxDaily)
	}
	return int(limit)
}

// Remaining 返回剩余额度 max(0, limit - sentToday)
func Remaining(limit, sentToday int) int {
	if sentToday >= limit {
		return 0
	}
	return limit - sentToday
}

// ForMailbox 按邮箱当前的预热配置计算当日额度
func ForMailbox(m *domain.Mailbox, now time.Time) int {
	return DailyLimit(m.StartCount, m.IncreaseBy, m.MaxDaily, m.DaysActive(now))
}

// Check 判断邮箱是否还有发送额度，额度用完时返回 *domain.QuotaExceededError。
func Check(m *domain.Mailbox, sentToday int, now time.Time) (int, error) {
	limit := ForMailbox(m, now)
	if sentToday >= limit {
		return limit, &domain.QuotaExceededError{MailboxID: m.ID, Sent: sentToday, Limit: limit}
	}
	return limit, nil
}

// DayWindow 返回 now 所在自然日在 loc 时区的 [start, end) 区间
func DayWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
