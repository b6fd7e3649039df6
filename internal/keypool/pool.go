// Package keypool implements rotation and rate limiting over a pool of
// LLM provider API keys. Each key carries a requests-per-minute pacer,
// a requests-per-day counter, a minimum gap between consecutive uses,
// and a cooldown deadline set by failure class. Acquire greedily picks
// the eligible key with the most remaining daily quota. All state is
// in-memory and lives only as long as the process.
package keypool

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const dayWindow = 24 * time.Hour

type keyState struct {
	label  string
	secret string

	pacer     *rate.Limiter
	dayUsed   int
	dayStart  time.Time
	lastUsed  time.Time
	coolUntil time.Time
	disabled  bool
}

// Pool selects and tracks API keys.
type Pool struct {
	mu        sync.Mutex
	keys      []*keyState
	limits    Limits
	cooldowns Cooldowns
	logger    *slog.Logger

	now func() time.Time
}

// New builds a pool from the configured keys and budgets.
func New(log *slog.Logger, keys []KeyConfig, limits Limits, cooldowns Cooldowns) (*Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keypool: at least one key is required")
	}
	if limits.RequestsPerMinute <= 0 || limits.RequestsPerDay <= 0 {
		return nil, fmt.Errorf("keypool: per-minute and per-day budgets must be positive")
	}

	states := make([]*keyState, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for i, key := range keys {
		if strings.TrimSpace(key.Secret) == "" {
			return nil, fmt.Errorf("keypool: key %d has an empty secret", i)
		}
		label := strings.TrimSpace(key.Label)
		if label == "" {
			label = fmt.Sprintf("key-%d", i+1)
		}
		if _, dup := seen[label]; dup {
			return nil, fmt.Errorf("keypool: duplicate key label %q", label)
		}
		seen[label] = struct{}{}
		states = append(states, &keyState{
			label:  label,
			secret: key.Secret,
			pacer:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(limits.RequestsPerMinute)), limits.RequestsPerMinute),
		})
	}

	return &Pool{
		keys:      states,
		limits:    limits,
		cooldowns: cooldowns,
		logger:    log.With(slog.String("component", "keypool")),
		now:       time.Now,
	}, nil
}

// Acquire picks the eligible key with the most remaining daily quota
// and charges its minute and day budgets up front. Ties break toward
// the least recently used key. Returns *ExhaustedError when no key is
// eligible.
func (p *Pool) Acquire() (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	var best *keyState
	for _, key := range p.keys {
		p.rollDay(key, now)
		if !p.eligible(key, now) {
			continue
		}
		if best == nil {
			best = key
			continue
		}
		if p.remaining(key) > p.remaining(best) {
			best = key
		} else if p.remaining(key) == p.remaining(best) && key.lastUsed.Before(best.lastUsed) {
			best = key
		}
	}

	if best == nil {
		retryAt := p.earliestEligible(now)
		p.logger.Warn("pool exhausted", slog.Time("retry_at", retryAt))
		return Lease{}, &ExhaustedError{RetryAt: retryAt}
	}

	// Charge budgets at grant time so concurrent acquires cannot
	// oversubscribe the key.
	best.pacer.AllowN(now, 1)
	if best.dayStart.IsZero() {
		best.dayStart = now
	}
	best.dayUsed++
	best.lastUsed = now

	p.logger.Debug("key leased",
		slog.String("key", best.label),
		slog.Int("day_used", best.dayUsed),
		slog.Int("day_remaining", p.remaining(best)),
	)
	return Lease{Label: best.label, Secret: best.secret, key: best}, nil
}

// Success records a completed call on the leased key.
func (p *Pool) Success(lease Lease) {
	if lease.key == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	lease.key.lastUsed = p.now()
}

// Fail cools the leased key down according to the failure class.
// Transient failures (server, network, timeout) refund the daily
// charge since the provider never counted the request; rate-limit
// failures keep it. Auth failures disable the key until restart.
func (p *Pool) Fail(lease Lease, class ErrClass) {
	if lease.key == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	key := lease.key
	now := p.now()

	switch class {
	case ClassRateLimited:
		key.coolUntil = now.Add(p.cooldowns.RateLimited)
	case ClassAuth:
		key.disabled = true
	case ClassServer:
		key.coolUntil = now.Add(p.cooldowns.Server)
		p.refund(key)
	case ClassTimeout:
		key.coolUntil = now.Add(p.cooldowns.Timeout)
		p.refund(key)
	default:
		key.coolUntil = now.Add(p.cooldowns.Network)
		p.refund(key)
	}

	p.logger.Warn("key cooled down",
		slog.String("key", key.label),
		slog.String("class", string(class)),
		slog.Bool("disabled", key.disabled),
		slog.Time("cooling_until", key.coolUntil),
	)
}

// Snapshot returns the current state of every key.
func (p *Pool) Snapshot() []KeyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	statuses := make([]KeyStatus, 0, len(p.keys))
	for _, key := range p.keys {
		p.rollDay(key, now)
		status := KeyStatus{
			Label:        key.label,
			DayUsed:      key.dayUsed,
			DayRemaining: p.remaining(key),
			Disabled:     key.disabled,
		}
		if !key.lastUsed.IsZero() {
			lastUsed := key.lastUsed
			status.LastUsed = &lastUsed
		}
		if key.coolUntil.After(now) {
			coolUntil := key.coolUntil
			status.CoolingUntil = &coolUntil
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func (p *Pool) eligible(key *keyState, now time.Time) bool {
	if key.disabled {
		return false
	}
	if key.coolUntil.After(now) {
		return false
	}
	if !key.lastUsed.IsZero() && now.Sub(key.lastUsed) < p.limits.MinGap {
		return false
	}
	if key.dayUsed >= p.limits.RequestsPerDay {
		return false
	}
	return key.pacer.TokensAt(now) >= 1
}

func (p *Pool) remaining(key *keyState) int {
	return p.limits.RequestsPerDay - key.dayUsed
}

func (p *Pool) refund(key *keyState) {
	if key.dayUsed > 0 {
		key.dayUsed--
	}
}

// rollDay resets the daily counter once the 24h window since its first
// use has elapsed.
func (p *Pool) rollDay(key *keyState, now time.Time) {
	if key.dayStart.IsZero() {
		return
	}
	if now.Sub(key.dayStart) >= dayWindow {
		key.dayUsed = 0
		key.dayStart = time.Time{}
	}
}

// earliestEligible estimates when the next key frees up. Disabled keys
// never free up; if all keys are disabled the zero time is returned.
func (p *Pool) earliestEligible(now time.Time) time.Time {
	var earliest time.Time
	for _, key := range p.keys {
		if key.disabled {
			continue
		}
		ready := now
		if key.coolUntil.After(ready) {
			ready = key.coolUntil
		}
		if gapReady := key.lastUsed.Add(p.limits.MinGap); !key.lastUsed.IsZero() && gapReady.After(ready) {
			ready = gapReady
		}
		if key.dayUsed >= p.limits.RequestsPerDay {
			if dayReady := key.dayStart.Add(dayWindow); dayReady.After(ready) {
				ready = dayReady
			}
		}
		if tokens := key.pacer.TokensAt(ready); tokens < 1 {
			wait := time.Duration((1 - tokens) / float64(key.pacer.Limit()) * float64(time.Second))
			ready = ready.Add(wait)
		}
		if earliest.IsZero() || ready.Before(earliest) {
			earliest = ready
		}
	}
	return earliest
}
