package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"
)

type statusErr struct {
	code       int
	category   string
	retryAfter time.Duration
}

func (e *statusErr) Error() string         { return "status error" }
func (e *statusErr) HTTPStatus() int       { return e.code }
func (e *statusErr) ErrorCategory() string { return e.category }
func (e *statusErr) RetryAfterHint() (time.Duration, bool) {
	return e.retryAfter, e.retryAfter > 0
}

type recorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func testConfig() Config {
	return Config{
		MaxRetries:      3,
		Strategy:        StrategyExponential,
		Delay:           100 * time.Millisecond,
		MaxDelay:        time.Second,
		RetryableStatus: []int{429, 503},
	}
}

func newTestExecutor(t *testing.T, cfg Config, rec *recorder, opts ...Option) *Executor {
	t.Helper()
	p, err := NewPolicy(cfg)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	opts = append([]Option{WithSleep(rec.sleep), WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
	return NewExecutor(p, opts...)
}

func TestDoSucceedsFirstTry(t *testing.T) {
	rec := &recorder{}
	e := newTestExecutor(t, testConfig(), rec)
	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 || len(rec.waits) != 0 {
		t.Fatalf("calls = %d, waits = %v", calls, rec.waits)
	}
}

func TestDoExhaustsAfterMaxRetriesPlusOne(t *testing.T) {
	rec := &recorder{}
	e := newTestExecutor(t, testConfig(), rec)
	calls := 0
	last := &statusErr{code: 503}
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return last
	})
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %T %v", err, err)
	}
	if ex.Attempts != 4 {
		t.Errorf("Attempts = %d", ex.Attempts)
	}
	if !errors.Is(err, last) {
		t.Error("exhausted error should wrap the last failure")
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(rec.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", rec.waits, want)
	}
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, rec.waits[i], want[i])
		}
	}
}

func TestDoNonRetryableReturnsImmediately(t *testing.T) {
	rec := &recorder{}
	e := newTestExecutor(t, testConfig(), rec)
	calls := 0
	orig := &statusErr{code: 400}
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return orig
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if err != orig {
		t.Fatalf("err = %v, want original error unwrapped", err)
	}
}

func TestDoRecoversAfterTransientFailures(t *testing.T) {
	rec := &recorder{}
	e := newTestExecutor(t, testConfig(), rec)
	got, err := Run(context.Background(), e, func(context.Context) (string, error) {
		if len(rec.waits) < 2 {
			return "", &statusErr{code: 429}
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("Run = %q, %v", got, err)
	}
}

func TestFixedStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = StrategyFixed
	cfg.MaxRetries = 2
	rec := &recorder{}
	e := newTestExecutor(t, cfg, rec)
	_ = e.Do(context.Background(), func(context.Context) error { return &statusErr{code: 503} })
	for _, w := range rec.waits {
		if w != 100*time.Millisecond {
			t.Fatalf("waits = %v", rec.waits)
		}
	}
}

func TestBackoffCappedAtMaxDelay(t *testing.T) {
	p := MustPolicy(Config{MaxRetries: 10, Delay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, RetryableStatus: []int{503}})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond},
		{9, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	unbounded := MustPolicy(Config{MaxRetries: 1, Delay: time.Second, RetryableStatus: []int{503}})
	if got := unbounded.Backoff(5); got != 32*time.Second {
		t.Errorf("uncapped Backoff(5) = %v", got)
	}
	if got := unbounded.Backoff(200); got <= 0 {
		t.Errorf("Backoff should not overflow, got %v", got)
	}
}

func TestJitterWithinBounds(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = StrategyFixed
	cfg.Jitter = 50 * time.Millisecond
	e := newTestExecutor(t, cfg, &recorder{})
	for i := 0; i < 500; i++ {
		w := e.Wait(0, &statusErr{code: 503})
		if w < 100*time.Millisecond || w > 150*time.Millisecond {
			t.Fatalf("wait %v outside [100ms, 150ms]", w)
		}
	}
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.RespectRetryAfter = true
	e := newTestExecutor(t, cfg, &recorder{})

	if w := e.Wait(0, &statusErr{code: 429, retryAfter: 700 * time.Millisecond}); w != 700*time.Millisecond {
		t.Errorf("wait = %v, want retry-after 700ms", w)
	}
	if w := e.Wait(0, &statusErr{code: 429, retryAfter: time.Minute}); w != time.Second {
		t.Errorf("wait = %v, want clamp to max delay", w)
	}

	cfg.RespectRetryAfter = false
	e = newTestExecutor(t, cfg, &recorder{})
	if w := e.Wait(0, &statusErr{code: 429, retryAfter: 700 * time.Millisecond}); w != 100*time.Millisecond {
		t.Errorf("wait = %v, want computed backoff", w)
	}
}

func TestMaxElapsedStopsEarly(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 10
	cfg.MaxElapsed = 250 * time.Millisecond
	cfg.Strategy = StrategyFixed

	now := time.Unix(0, 0)
	rec := &recorder{}
	e := newTestExecutor(t, cfg, rec,
		WithClock(func() time.Time { return now }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			rec.waits = append(rec.waits, d)
			now = now.Add(d)
			return nil
		}))

	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return &statusErr{code: 503}
	})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if ex.Elapsed < cfg.MaxElapsed {
		t.Errorf("Elapsed = %v", ex.Elapsed)
	}
}

func TestCategoryClassification(t *testing.T) {
	cfg := testConfig()
	cfg.RetryableCategories = []string{"Timeout", "network"}
	e := newTestExecutor(t, cfg, &recorder{})

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"status listed", &statusErr{code: 503}, true},
		{"status unlisted", &statusErr{code: 500}, false},
		{"category listed", &statusErr{category: "network"}, true},
		{"category unlisted", &statusErr{category: "auth"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"wrapped deadline", errors.Join(errors.New("call"), context.DeadlineExceeded), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContextCancelDuringWait(t *testing.T) {
	p := MustPolicy(testConfig())
	e := NewExecutor(p)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, func(context.Context) error {
			calls++
			cancel()
			return &statusErr{code: 503}
		})
	}()
	select {
	case err := <-done:
		var ex *ExhaustedError
		if !errors.As(err, &ex) || !errors.Is(ex.Interrupted, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d", calls)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not observe cancellation")
	}
}

func TestAttemptTimeoutIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.RetryableCategories = []string{CategoryTimeout}
	rec := &recorder{}
	e := newTestExecutor(t, cfg, rec, WithAttemptTimeout(10*time.Millisecond))
	calls := 0
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestOnRetryHook(t *testing.T) {
	var events []Event
	rec := &recorder{}
	e := newTestExecutor(t, testConfig(), rec, WithOnRetry(func(ev Event) { events = append(events, ev) }))
	_ = e.Do(context.Background(), func(context.Context) error { return &statusErr{code: 429} })
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Attempt != i+1 || ev.Wait != rec.waits[i] {
			t.Errorf("event %d = %+v", i, ev)
		}
	}
}

func TestZeroRetriesMakesOneAttempt(t *testing.T) {
	e := NewExecutor(NoRetry(), WithSleep((&recorder{}).sleep))
	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return &statusErr{code: 503}
	})
	if calls != 1 || err == nil {
		t.Fatalf("calls = %d, err = %v", calls, err)
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	cfg := Config{
		MaxRetries:      11,
		Strategy:        "linear",
		Delay:           2 * time.Minute,
		Jitter:          -time.Second,
		MaxDelay:        time.Second,
		MaxElapsed:      time.Hour,
		RetryableStatus: []int{42},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, frag := range []string{"max_retries", "strategy", "delay 2m0s outside", "jitter", "max_elapsed", "exceeds max_delay", "status 42"} {
		if !strings.Contains(err.Error(), frag) {
			t.Errorf("error missing %q:\n%v", frag, err)
		}
	}
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{"default", func(*Config) {}, true},
		{"zero retries no sets", func(c *Config) { c.MaxRetries = 0; c.RetryableStatus = nil; c.RetryableCategories = nil }, true},
		{"retries without sets", func(c *Config) { c.RetryableStatus = nil; c.RetryableCategories = nil }, false},
		{"elapsed below delay", func(c *Config) { c.MaxElapsed = 100 * time.Millisecond }, false},
		{"unlimited elapsed", func(c *Config) { c.MaxElapsed = 0 }, true},
		{"uncapped delay", func(c *Config) { c.MaxDelay = 0 }, true},
		{"jitter above cap", func(c *Config) { c.MaxDelay = time.Second; c.Jitter = 2 * time.Second }, false},
		{"cap too large", func(c *Config) { c.MaxDelay = 301 * time.Second }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mut(&cfg)
			_, err := NewPolicy(cfg)
			if (err == nil) != tt.ok {
				t.Fatalf("NewPolicy err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestPolicyConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	p := MustPolicy(cfg)
	back := p.Config()
	if back.MaxRetries != cfg.MaxRetries || back.Delay != cfg.Delay || len(back.RetryableStatus) != len(cfg.RetryableStatus) {
		t.Fatalf("Config() = %+v", back)
	}
	if _, err := NewPolicy(back); err != nil {
		t.Fatalf("round trip invalid: %v", err)
	}
}
