package enforcement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
)

// ErrRateLimited is returned by RateLimiter.Transform when the bucket for
// the requesting (agent, action) pair has no tokens left.
var ErrRateLimited = errors.New("enforcement: rate limit exceeded")

// RateLimiter is the "rate-limiter" constraint transformer: a token bucket
// per (agent, action) pair built on golang.org/x/time/rate, replacing a
// hand-rolled limiter. Directive syntax is "rate-limiter:<n>/<unit>", unit
// one of s/m/h (e.g. "rate-limiter:10/m" allows 10 events per minute with a
// burst of 10); a bare "rate-limiter" directive uses the configured
// default.
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*rate.Limiter
	defaultLimit rate.Limit
	defaultBurst int
}

// NewRateLimiter creates a RateLimiter whose default bucket allows
// defaultEventsPerSecond events/sec with the given burst, used when a
// directive carries no explicit rate.
func NewRateLimiter(defaultEventsPerSecond float64, defaultBurst int) *RateLimiter {
	return &RateLimiter{
		buckets:      make(map[string]*rate.Limiter),
		defaultLimit: rate.Limit(defaultEventsPerSecond),
		defaultBurst: defaultBurst,
	}
}

// Name implements ConstraintTransformer.
func (r *RateLimiter) Name() string { return "rate-limiter" }

// CanHandle implements ConstraintTransformer.
func (r *RateLimiter) CanHandle(constraint string) bool {
	return directiveName(constraint) == r.Name()
}

// Transform implements ConstraintTransformer.
func (r *RateLimiter) Transform(_ context.Context, dctx *decision.Context, t *Target, constraint string) error {
	limit, burst := r.parse(constraint)
	key := dctx.Agent + "|" + string(dctx.Action)

	r.mu.Lock()
	bucket, ok := r.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(limit, burst)
		r.buckets[key] = bucket
	}
	r.mu.Unlock()

	if !bucket.Allow() {
		return fmt.Errorf("%w: %s", ErrRateLimited, key)
	}
	return nil
}

func (r *RateLimiter) parse(constraint string) (rate.Limit, int) {
	args := directiveArgs(constraint)
	if len(args) == 0 {
		return r.defaultLimit, r.defaultBurst
	}
	count, period, ok := parseRateSpec(args[0])
	if !ok {
		return r.defaultLimit, r.defaultBurst
	}
	return rate.Limit(float64(count) / period.Seconds()), count
}

// parseRateSpec parses "10/m" into (10, time.Minute, true).
func parseRateSpec(spec string) (int, time.Duration, bool) {
	parts := strings.SplitN(spec, "/", 2)
	count, err := strconv.Atoi(parts[0])
	if err != nil || count <= 0 {
		return 0, 0, false
	}
	period := time.Minute
	if len(parts) == 2 {
		switch parts[1] {
		case "s":
			period = time.Second
		case "h":
			period = time.Hour
		default:
			period = time.Minute
		}
	}
	return count, period, true
}

var _ ConstraintTransformer = (*RateLimiter)(nil)
