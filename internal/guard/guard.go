package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ReasonRateLimited    = "rate_limited"
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonMaintenance    = "maintenance_mode"
)

const maintenanceKey = "namegen:maintenance"

// Counters are checked and incremented in one round trip so concurrent
// requests from the same user cannot double-spend the window. The hourly
// limit is reported before the daily one.
var rateScript = redis.NewScript(`
local h = tonumber(redis.call("GET", KEYS[1]) or "0")
local d = tonumber(redis.call("GET", KEYS[2]) or "0")
if h >= tonumber(ARGV[1]) then return {0, 1} end
if d >= tonumber(ARGV[2]) then return {0, 2} end
h = redis.call("INCR", KEYS[1])
if h == 1 then redis.call("EXPIRE", KEYS[1], ARGV[3]) end
d = redis.call("INCR", KEYS[2])
if d == 1 then redis.call("EXPIRE", KEYS[2], ARGV[4]) end
return {1, h, d}
`)

// Denial is a machine-readable refusal. RetryAfter is set for rate-limit
// denials only: the time until the counted window rolls over.
type Denial struct {
	Reason     string
	RetryAfter time.Duration
}

type Limits struct {
	PerHour int64
	PerDay  int64
}

type BudgetCaps struct {
	DailyCents   int64
	MonthlyCents int64
}

// Guard gates new generation requests: per-user sliding windows, global cost
// ceilings, and the system maintenance flag. Counter-store failures deny
// rather than allow, protecting the budget.
type Guard struct {
	redis  *redis.Client
	limits Limits
	caps   BudgetCaps
}

func New(rdb *redis.Client, limits Limits, caps BudgetCaps) *Guard {
	return &Guard{redis: rdb, limits: limits, caps: caps}
}

// Authorize runs the admission checks in order: hourly count, daily count,
// daily budget, monthly budget, maintenance flag. A nil Denial with nil error
// means the request may proceed and the user's counters were consumed.
func (g *Guard) Authorize(ctx context.Context, userID string, estimatedCents int64, now time.Time) (*Denial, error) {
	now = now.UTC()
	hourStart := now.Truncate(time.Hour)
	dayStart := now.Truncate(24 * time.Hour)
	hourEnd := hourStart.Add(time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	hourKey := fmt.Sprintf("namegen:rate:h:%s:%s", userID, hourStart.Format("2006010215"))
	dayKey := fmt.Sprintf("namegen:rate:d:%s:%s", userID, dayStart.Format("20060102"))

	res, err := rateScript.Run(ctx, g.redis,
		[]string{hourKey, dayKey},
		g.limits.PerHour, g.limits.PerDay,
		ttlSeconds(now, hourEnd), ttlSeconds(now, dayEnd),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) < 2 {
		return nil, fmt.Errorf("rate limit script returned %d values", len(res))
	}
	if res[0] == 0 {
		retryAfter := hourEnd.Sub(now)
		if res[1] == 2 {
			retryAfter = dayEnd.Sub(now)
		}
		return &Denial{Reason: ReasonRateLimited, RetryAfter: retryAfter}, nil
	}

	if d, err := g.checkBudget(ctx, estimatedCents, now); err != nil || d != nil {
		if err == nil {
			g.release(ctx, hourKey, dayKey)
		}
		return d, err
	}

	maint, err := g.InMaintenance(ctx)
	if err != nil {
		return nil, err
	}
	if maint {
		g.release(ctx, hourKey, dayKey)
		return &Denial{Reason: ReasonMaintenance}, nil
	}

	return nil, nil
}

// release undoes counter consumption when a later check denies the request.
func (g *Guard) release(ctx context.Context, hourKey, dayKey string) {
	g.redis.Decr(ctx, hourKey)
	g.redis.Decr(ctx, dayKey)
}

func (g *Guard) checkBudget(ctx context.Context, estimatedCents int64, now time.Time) (*Denial, error) {
	daySpent, err := g.spent(ctx, dayBudgetKey(now))
	if err != nil {
		return nil, err
	}
	if g.caps.DailyCents > 0 && daySpent+estimatedCents > g.caps.DailyCents {
		return &Denial{Reason: ReasonBudgetExceeded}, nil
	}

	monthSpent, err := g.spent(ctx, monthBudgetKey(now))
	if err != nil {
		return nil, err
	}
	if g.caps.MonthlyCents > 0 && monthSpent+estimatedCents > g.caps.MonthlyCents {
		return &Denial{Reason: ReasonBudgetExceeded}, nil
	}
	return nil, nil
}

// RecordSpend adds a completed session's actual cost to the rolling budget
// counters. Called by the orchestrator, never by clients.
func (g *Guard) RecordSpend(ctx context.Context, cents int64, now time.Time) error {
	if cents <= 0 {
		return nil
	}
	now = now.UTC()
	pipe := g.redis.Pipeline()
	pipe.IncrBy(ctx, dayBudgetKey(now), cents)
	pipe.Expire(ctx, dayBudgetKey(now), 48*time.Hour)
	pipe.IncrBy(ctx, monthBudgetKey(now), cents)
	pipe.Expire(ctx, monthBudgetKey(now), 40*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

// Spent reports the current day and month totals in cents.
func (g *Guard) Spent(ctx context.Context, now time.Time) (day, month int64, err error) {
	now = now.UTC()
	if day, err = g.spent(ctx, dayBudgetKey(now)); err != nil {
		return 0, 0, err
	}
	if month, err = g.spent(ctx, monthBudgetKey(now)); err != nil {
		return 0, 0, err
	}
	return day, month, nil
}

func (g *Guard) spent(ctx context.Context, key string) (int64, error) {
	v, err := g.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read budget counter: %w", err)
	}
	return v, nil
}

func (g *Guard) SetMaintenance(ctx context.Context, on bool) error {
	if on {
		return g.redis.Set(ctx, maintenanceKey, "1", 0).Err()
	}
	return g.redis.Del(ctx, maintenanceKey).Err()
}

func (g *Guard) InMaintenance(ctx context.Context) (bool, error) {
	v, err := g.redis.Get(ctx, maintenanceKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read maintenance flag: %w", err)
	}
	return v == "1", nil
}

func dayBudgetKey(now time.Time) string {
	return "namegen:budget:d:" + now.Format("20060102")
}

func monthBudgetKey(now time.Time) string {
	return "namegen:budget:m:" + now.Format("200601")
}

func ttlSeconds(now, end time.Time) int64 {
	s := int64(end.Sub(now).Seconds())
	if s < 1 {
		s = 1
	}
	return s
}
