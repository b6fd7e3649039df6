package keypool

import (
	"fmt"
	"time"
)

// ErrClass categorizes a failed provider call for cooldown selection.
type ErrClass string

const (
	ClassRateLimited ErrClass = "rate_limited"
	ClassAuth        ErrClass = "auth"
	ClassServer      ErrClass = "server"
	ClassNetwork     ErrClass = "network"
	ClassTimeout     ErrClass = "timeout"
)

// KeyConfig describes one API key entering the pool.
type KeyConfig struct {
	Label  string
	Secret string
}

// Limits holds the per-key budgets shared by every key.
type Limits struct {
	RequestsPerMinute int
	RequestsPerDay    int
	MinGap            time.Duration
}

// Cooldowns holds how long a key rests after each failure class.
// Auth failures disable the key outright and have no duration here.
type Cooldowns struct {
	RateLimited time.Duration
	Server      time.Duration
	Network     time.Duration
	Timeout     time.Duration
}

// Lease is a granted use of a single key. Report the outcome with
// Pool.Success or Pool.Fail.
type Lease struct {
	Label  string
	Secret string

	key *keyState
}

// KeyStatus is a point-in-time view of one key for the status endpoint.
// The timestamps are pointers so unset ones drop out of the JSON.
type KeyStatus struct {
	Label        string     `json:"label"`
	DayUsed      int        `json:"day_used"`
	DayRemaining int        `json:"day_remaining"`
	Disabled     bool       `json:"disabled"`
	CoolingUntil *time.Time `json:"cooling_until,omitempty"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
}

// ExhaustedError is returned by Acquire when no key is currently
// eligible. RetryAt is the earliest instant any key may become usable
// again; it is zero when every key is disabled.
type ExhaustedError struct {
	RetryAt time.Time
}

func (e *ExhaustedError) Error() string {
	if e.RetryAt.IsZero() {
		return "key pool exhausted: all keys disabled"
	}
	return fmt.Sprintf("key pool exhausted: retry at %s", e.RetryAt.Format(time.RFC3339))
}
