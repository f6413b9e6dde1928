// Package retry executes remote calls under a declarative retry policy.
package retry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
)

// Policy limits.
const (
	MaxRetriesLimit = 10
	MaxDelayLimit   = 60 * time.Second
	MaxJitterLimit  = 60 * time.Second
	MaxCapLimit     = 300 * time.Second
	MaxElapsedLimit = 900 * time.Second
)

// Config is the declarative, loadable form of a Policy.
type Config struct {
	MaxRetries          int           `mapstructure:"max_retries" json:"max_retries"`
	Strategy            Strategy      `mapstructure:"strategy" json:"strategy"`
	Delay               time.Duration `mapstructure:"delay" json:"delay"`
	Jitter              time.Duration `mapstructure:"jitter" json:"jitter"`
	MaxDelay            time.Duration `mapstructure:"max_delay" json:"max_delay"`
	MaxElapsed          time.Duration `mapstructure:"max_elapsed" json:"max_elapsed"`
	RetryableStatus     []int         `mapstructure:"retryable_status" json:"retryable_status"`
	RetryableCategories []string      `mapstructure:"retryable_categories" json:"retryable_categories"`
	RespectRetryAfter   bool          `mapstructure:"respect_retry_after" json:"respect_retry_after"`
}

// DefaultConfig retries rate limits, server errors and timeouts three times
// with capped exponential backoff.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		Strategy:            StrategyExponential,
		Delay:               500 * time.Millisecond,
		Jitter:              250 * time.Millisecond,
		MaxDelay:            30 * time.Second,
		MaxElapsed:          2 * time.Minute,
		RetryableStatus:     []int{408, 429, 500, 502, 503, 504, 529},
		RetryableCategories: []string{"timeout", "network"},
		RespectRetryAfter:   true,
	}
}

// Policy is an immutable, validated Config. The zero Policy never retries.
type Policy struct {
	maxRetries        int
	strategy          Strategy
	delay             time.Duration
	jitter            time.Duration
	maxDelay          time.Duration
	maxElapsed        time.Duration
	statuses          map[int]struct{}
	categories        map[string]struct{}
	respectRetryAfter bool
}

// NoRetry returns a policy that makes exactly one attempt.
func NoRetry() Policy {
	return Policy{strategy: StrategyFixed}
}

// NewPolicy validates cfg and freezes it. Every violated rule is reported;
// values are never clamped.
func NewPolicy(cfg Config) (Policy, error) {
	if err := cfg.Validate(); err != nil {
		return Policy{}, err
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyExponential
	}
	p := Policy{
		maxRetries:        cfg.MaxRetries,
		strategy:          strategy,
		delay:             cfg.Delay,
		jitter:            cfg.Jitter,
		maxDelay:          cfg.MaxDelay,
		maxElapsed:        cfg.MaxElapsed,
		statuses:          make(map[int]struct{}, len(cfg.RetryableStatus)),
		categories:        make(map[string]struct{}, len(cfg.RetryableCategories)),
		respectRetryAfter: cfg.RespectRetryAfter,
	}
	for _, code := range cfg.RetryableStatus {
		p.statuses[code] = struct{}{}
	}
	for _, c := range cfg.RetryableCategories {
		p.categories[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	return p, nil
}

// MustPolicy is NewPolicy for static configurations known to be valid.
func MustPolicy(cfg Config) Policy {
	p, err := NewPolicy(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks cfg against the policy rules.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("retry policy: "+format, args...))
	}

	if c.MaxRetries < 0 || c.MaxRetries > MaxRetriesLimit {
		bad("max_retries %d outside [0, %d]", c.MaxRetries, MaxRetriesLimit)
	}
	switch c.Strategy {
	case "", StrategyFixed, StrategyExponential:
	default:
		bad("unknown strategy %q (fixed, exponential)", c.Strategy)
	}
	if c.Delay < 0 || c.Delay > MaxDelayLimit {
		bad("delay %v outside [0, %v]", c.Delay, MaxDelayLimit)
	}
	if c.Jitter < 0 || c.Jitter > MaxJitterLimit {
		bad("jitter %v outside [0, %v]", c.Jitter, MaxJitterLimit)
	}
	if c.MaxDelay < 0 || c.MaxDelay > MaxCapLimit {
		bad("max_delay %v outside [0, %v]", c.MaxDelay, MaxCapLimit)
	}
	if c.MaxElapsed < 0 || c.MaxElapsed > MaxElapsedLimit {
		bad("max_elapsed %v outside [0, %v]", c.MaxElapsed, MaxElapsedLimit)
	}
	if c.MaxDelay > 0 {
		if c.Delay > c.MaxDelay {
			bad("delay %v exceeds max_delay %v", c.Delay, c.MaxDelay)
		}
		if c.Jitter > c.MaxDelay {
			bad("jitter %v exceeds max_delay %v", c.Jitter, c.MaxDelay)
		}
	}
	if c.MaxRetries > 0 && c.MaxElapsed > 0 && c.MaxElapsed < c.Delay {
		bad("max_elapsed %v cannot fit a single delay of %v", c.MaxElapsed, c.Delay)
	}
	for _, code := range c.RetryableStatus {
		if code < 100 || code > 599 {
			bad("retryable status %d outside [100, 599]", code)
		}
	}
	if c.MaxRetries > 0 && len(c.RetryableStatus) == 0 && len(c.RetryableCategories) == 0 {
		bad("max_retries is %d but no retryable status codes or categories are set", c.MaxRetries)
	}
	return errors.Join(errs...)
}

func (p Policy) MaxRetries() int { return p.maxRetries }
func (p Policy) Strategy() Strategy { return p.strategy }
func (p Policy) Delay() time.Duration { return p.delay }
func (p Policy) Jitter() time.Duration { return p.jitter }
func (p Policy) MaxDelay() time.Duration { return p.maxDelay }
func (p Policy) MaxElapsed() time.Duration { return p.maxElapsed }
func (p Policy) RespectsRetryAfter() bool { return p.respectRetryAfter }

func (p Policy) RetriesStatus(code int) bool {
	_, ok := p.statuses[code]
	return ok
}

func (p Policy) RetriesCategory(category string) bool {
	_, ok := p.categories[strings.ToLower(category)]
	return ok
}

// Config returns the declarative form of p.
func (p Policy) Config() Config {
	cfg := Config{
		MaxRetries:        p.maxRetries,
		Strategy:          p.strategy,
		Delay:             p.delay,
		Jitter:            p.jitter,
		MaxDelay:          p.maxDelay,
		MaxElapsed:        p.maxElapsed,
		RespectRetryAfter: p.respectRetryAfter,
	}
	for code := range p.statuses {
		cfg.RetryableStatus = append(cfg.RetryableStatus, code)
	}
	for c := range p.categories {
		cfg.RetryableCategories = append(cfg.RetryableCategories, c)
	}
	slices.Sort(cfg.RetryableStatus)
	slices.Sort(cfg.RetryableCategories)
	return cfg
}

// Backoff returns the wait before retry number attempt+1 (attempt counts from
// zero), without jitter or Retry-After.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.strategy != StrategyExponential {
		return p.delay
	}
	d := p.delay
	for i := 0; i < attempt; i++ {
		if p.maxDelay > 0 && d >= p.maxDelay {
			break
		}
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.maxDelay > 0 && d > p.maxDelay {
		d = p.maxDelay
	}
	return d
}
