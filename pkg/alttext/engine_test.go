package alttext

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pressfit/imagebatch/pkg/types"
	"github.com/pressfit/imagebatch/pkg/vision"
)

// fakeDescriber scripts backend responses and instruments concurrency.
type fakeDescriber struct {
	fn    func(call int, req vision.Request) (string, error)
	delay time.Duration

	calls    int64
	inFlight int64
	peak     int64
}

func (f *fakeDescriber) Describe(ctx context.Context, req vision.Request) (string, error) {
	call := atomic.AddInt64(&f.calls, 1)

	n := atomic.AddInt64(&f.inFlight, 1)
	for {
		p := atomic.LoadInt64(&f.peak)
		if n <= p || atomic.CompareAndSwapInt64(&f.peak, p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	atomic.AddInt64(&f.inFlight, -1)

	return f.fn(int(call), req)
}

func (f *fakeDescriber) callCount() int {
	return int(atomic.LoadInt64(&f.calls))
}

type fakeRecorder struct {
	mu    sync.Mutex
	total float64
	n     int
}

func (r *fakeRecorder) RecordUsage(cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total += cost
	r.n++
}

func fakeEncode(path string) ([]byte, error) {
	return []byte("jpeg-bytes-for-" + path), nil
}

// fastConfig keeps retries near-instant for tests.
func fastConfig() Config {
	return Config{
		APIKey:     "test-key",
		RetryDelay: time.Millisecond,
	}
}

func newTestEngine(cfg Config, d vision.Describer, rec Recorder) *Engine {
	e := NewEngine(cfg, d, rec)
	e.SetEncodeFunc(fakeEncode)
	return e
}

func TestGenerateNoAPIKey(t *testing.T) {
	d := &fakeDescriber{fn: func(int, vision.Request) (string, error) { return "text", nil }}
	e := NewEngine(Config{}, d, nil)
	e.SetEncodeFunc(func(string) ([]byte, error) {
		t.Error("encode must not run without an API key")
		return nil, nil
	})

	res := e.Generate(context.Background(), "a.jpg", "")
	if res.Status != types.AltTextError {
		t.Errorf("Status = %v, want error", res.Status)
	}
	if res.ErrorMessage != "API key not configured" {
		t.Errorf("ErrorMessage = %q", res.ErrorMessage)
	}
	if d.callCount() != 0 {
		t.Errorf("network calls = %d, want 0", d.callCount())
	}
}

func TestGenerateEncodeFailure(t *testing.T) {
	d := &fakeDescriber{fn: func(int, vision.Request) (string, error) { return "text", nil }}
	e := NewEngine(fastConfig(), d, nil)
	e.SetEncodeFunc(func(string) ([]byte, error) {
		return nil, errors.New("file does not exist")
	})

	res := e.Generate(context.Background(), "missing.jpg", "")
	if res.Status != types.AltTextError {
		t.Errorf("Status = %v, want error", res.Status)
	}
	if !strings.HasPrefix(res.ErrorMessage, "failed to encode image") {
		t.Errorf("ErrorMessage = %q", res.ErrorMessage)
	}
	if d.callCount() != 0 {
		t.Errorf("network calls = %d, want 0", d.callCount())
	}
}

func TestGenerateSuccess(t *testing.T) {
	d := &fakeDescriber{fn: func(_ int, req vision.Request) (string, error) {
		if !strings.Contains(req.Prompt, "alt text description") {
			t.Errorf("prompt = %q", req.Prompt)
		}
		return "A quiet street at dusk.", nil
	}}
	rec := &fakeRecorder{}
	e := newTestEngine(fastConfig(), d, rec)

	res := e.Generate(context.Background(), "street.jpg", "")
	if res.Status != types.AltTextCompleted {
		t.Fatalf("Status = %v (%s)", res.Status, res.ErrorMessage)
	}
	if res.AltText != "A quiet street at dusk." {
		t.Errorf("AltText = %q", res.AltText)
	}
	if res.APICost != CostPerImage {
		t.Errorf("APICost = %v, want %v", res.APICost, CostPerImage)
	}
	if rec.n != 1 || rec.total != CostPerImage {
		t.Errorf("recorder got %d calls totaling %v", rec.n, rec.total)
	}
	if res.GenerationTime <= 0 {
		t.Error("GenerationTime not recorded")
	}
}

func TestGeneratePromptContext(t *testing.T) {
	var gotPrompt string
	d := &fakeDescriber{fn: func(_ int, req vision.Request) (string, error) {
		gotPrompt = req.Prompt
		return "ok", nil
	}}

	cfg := fastConfig()
	cfg.DefaultContext = "fashion editorial"
	e := newTestEngine(cfg, d, nil)

	e.Generate(context.Background(), "a.jpg", "")
	if !strings.Contains(gotPrompt, "Context: fashion editorial") {
		t.Errorf("default context missing from prompt %q", gotPrompt)
	}

	e.Generate(context.Background(), "a.jpg", "product shot")
	if !strings.Contains(gotPrompt, "Context: product shot") {
		t.Errorf("explicit context missing from prompt %q", gotPrompt)
	}
}

func TestGenerateLocalRateLimit(t *testing.T) {
	d := &fakeDescriber{fn: func(int, vision.Request) (string, error) { return "ok", nil }}
	cfg := fastConfig()
	cfg.RequestsPerMinute = 1
	e := newTestEngine(cfg, d, nil)

	first := e.Generate(context.Background(), "a.jpg", "")
	if first.Status != types.AltTextCompleted {
		t.Fatalf("first call failed: %s", first.ErrorMessage)
	}

	second := e.Generate(context.Background(), "b.jpg", "")
	if second.Status != types.AltTextError {
		t.Fatal("expected rejection from the local limiter")
	}
	if !strings.Contains(second.ErrorMessage, "rate limited: client-side") {
		t.Errorf("ErrorMessage = %q", second.ErrorMessage)
	}
	if d.callCount() != 1 {
		t.Errorf("network calls = %d, want 1 (rejection makes no attempt)", d.callCount())
	}
}

func TestGenerateServer429NotRetried(t *testing.T) {
	d := &fakeDescriber{fn: func(int, vision.Request) (string, error) {
		return "", &vision.APIError{StatusCode: 429, RetryAfter: 30 * time.Second}
	}}
	e := newTestEngine(fastConfig(), d, nil)

	res := e.Generate(context.Background(), "a.jpg", "")
	if res.Status != types.AltTextError {
		t.Fatalf("Status = %v", res.Status)
	}
	if d.callCount() != 1 {
		t.Errorf("429 retried: %d calls", d.callCount())
	}
	if !strings.Contains(res.ErrorMessage, "retry after 30s") {
		t.Errorf("ErrorMessage = %q, want the retry-after hint", res.ErrorMessage)
	}
}

func TestGenerateTransientExhaustsRetries(t *testing.T) {
	d := &fakeDescriber{fn: func(int, vision.Request) (string, error) {
		return "", &vision.APIError{StatusCode: 503}
	}}
	e := newTestEngine(fastConfig(), d, nil)

	res := e.Generate(context.Background(), "a.jpg", "")
	if res.Status != types.AltTextError {
		t.Fatalf("Status = %v", res.Status)
	}
	if d.callCount() != DefaultMaxRetries {
		t.Errorf("attempts = %d, want %d", d.callCount(), DefaultMaxRetries)
	}
	if !strings.Contains(res.ErrorMessage, "server error: 503") {
		t.Errorf("ErrorMessage = %q, want last failure's cause", res.ErrorMessage)
	}
}

func TestGenerateTransientThenSuccess(t *testing.T) {
	d := &fakeDescriber{fn: func(call int, _ vision.Request) (string, error) {
		if call == 1 {
			return "", &vision.APIError{StatusCode: 500}
		}
		return "recovered", nil
	}}
	rec := &fakeRecorder{}
	e := newTestEngine(fastConfig(), d, rec)

	res := e.Generate(context.Background(), "a.jpg", "")
	if res.Status != types.AltTextCompleted {
		t.Fatalf("Status = %v (%s)", res.Status, res.ErrorMessage)
	}
	if d.callCount() != 2 {
		t.Errorf("attempts = %d, want 2", d.callCount())
	}
	if rec.n != 1 {
		t.Errorf("usage recorded %d times, want 1", rec.n)
	}
}

func TestGenerateTerminalClientError(t *testing.T) {
	d := &fakeDescriber{fn: func(int, vision.Request) (string, error) {
		return "", &vision.APIError{StatusCode: 401}
	}}
	e := newTestEngine(fastConfig(), d, nil)

	res := e.Generate(context.Background(), "a.jpg", "")
	if d.callCount() != 1 {
		t.Errorf("401 retried: %d calls", d.callCount())
	}
	if !strings.Contains(res.ErrorMessage, "invalid API key") {
		t.Errorf("ErrorMessage = %q", res.ErrorMessage)
	}
}

func TestGenerateBatchCostExact(t *testing.T) {
	d := &fakeDescriber{fn: func(int, vision.Request) (string, error) { return "ok", nil }}
	rec := &fakeRecorder{}
	e := newTestEngine(fastConfig(), d, rec)

	paths := []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg"}
	results := e.GenerateBatch(context.Background(), paths)

	var total float64
	for _, r := range results {
		total += r.APICost
	}
	want := CostPerImage * float64(len(paths))
	if math.Abs(total-want) > 1e-12 {
		t.Errorf("total cost = %v, want %v", total, want)
	}
	if math.Abs(rec.total-want) > 1e-12 {
		t.Errorf("recorded cost = %v, want %v", rec.total, want)
	}
}

func TestGenerateBatchConcurrencyBound(t *testing.T) {
	const callLatency = 100 * time.Millisecond
	d := &fakeDescriber{
		fn:    func(int, vision.Request) (string, error) { return "ok", nil },
		delay: callLatency,
	}
	cfg := fastConfig()
	cfg.MaxConcurrent = 5
	e := newTestEngine(cfg, d, nil)

	paths := make([]string, 10)
	for i := range paths {
		paths[i] = fmt.Sprintf("img-%d.jpg", i)
	}

	start := time.Now()
	results := e.GenerateBatch(context.Background(), paths)
	elapsed := time.Since(start)

	if len(results) != 10 {
		t.Fatalf("results = %d, want 10", len(results))
	}
	for _, p := range paths {
		if r, ok := results[p]; !ok || r.Status != types.AltTextCompleted {
			t.Errorf("path %s: %+v", p, r)
		}
	}
	if peak := atomic.LoadInt64(&d.peak); peak > 5 {
		t.Errorf("peak concurrency %d exceeded gate of 5", peak)
	}
	if elapsed < 2*callLatency {
		t.Errorf("elapsed %v, want >= %v for two waves of calls", elapsed, 2*callLatency)
	}
}

func TestGenerateBatchIsolation(t *testing.T) {
	d := &fakeDescriber{fn: func(int, vision.Request) (string, error) { return "ok", nil }}
	e := NewEngine(fastConfig(), d, nil)
	e.SetEncodeFunc(func(path string) ([]byte, error) {
		if path == "bad.jpg" {
			return nil, errors.New("corrupt file")
		}
		return []byte("x"), nil
	})

	results := e.GenerateBatch(context.Background(), []string{"a.jpg", "bad.jpg", "c.jpg"})
	if results["bad.jpg"].Status != types.AltTextError {
		t.Error("bad path should fail")
	}
	for _, p := range []string{"a.jpg", "c.jpg"} {
		if results[p].Status != types.AltTextCompleted {
			t.Errorf("path %s tainted by sibling failure: %+v", p, results[p])
		}
	}
}

func TestGenerateBatchCancelledBeforeDispatch(t *testing.T) {
	d := &fakeDescriber{fn: func(int, vision.Request) (string, error) { return "ok", nil }}
	e := newTestEngine(fastConfig(), d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := e.GenerateBatch(ctx, []string{"a.jpg", "b.jpg"})
	if len(results) != 0 {
		t.Errorf("results = %v, want none after cancel", results)
	}
	if d.callCount() != 0 {
		t.Errorf("network calls = %d, want 0", d.callCount())
	}
}

func TestEstimateBatchCost(t *testing.T) {
	e := newTestEngine(fastConfig(), &fakeDescriber{}, nil)

	est := e.EstimateBatchCost(10)
	if est.PerImage != CostPerImage {
		t.Errorf("PerImage = %v", est.PerImage)
	}
	if math.Abs(est.Total-0.06) > 1e-12 {
		t.Errorf("Total = %v, want 0.06", est.Total)
	}
	if math.Abs(est.MonthlyEstimate-1.2) > 1e-12 {
		t.Errorf("MonthlyEstimate = %v, want 1.2", est.MonthlyEstimate)
	}
}

func TestValidateAPIKey(t *testing.T) {
	cases := []struct {
		name     string
		cfg      Config
		err      error
		wantOK   bool
		wantMsg  string
		wantCall bool
	}{
		{
			name:    "no key",
			cfg:     Config{},
			wantOK:  false,
			wantMsg: "No API key configured",
		},
		{
			name:     "valid",
			cfg:      Config{APIKey: "k"},
			wantOK:   true,
			wantMsg:  "API key is valid and supports vision",
			wantCall: true,
		},
		{
			name:     "invalid key",
			cfg:      Config{APIKey: "k"},
			err:      &vision.APIError{StatusCode: 401},
			wantOK:   false,
			wantMsg:  "Invalid API key",
			wantCall: true,
		},
		{
			name:     "rate limited is still valid",
			cfg:      Config{APIKey: "k"},
			err:      &vision.APIError{StatusCode: 429},
			wantOK:   true,
			wantMsg:  "API key is valid (currently rate limited)",
			wantCall: true,
		},
		{
			name:     "connection error",
			cfg:      Config{APIKey: "k"},
			err:      errors.New("connection refused"),
			wantOK:   false,
			wantMsg:  "Connection error: connection refused",
			wantCall: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDescriber{fn: func(int, vision.Request) (string, error) {
				return "ok", tc.err
			}}
			e := newTestEngine(tc.cfg, d, nil)

			ok, msg := e.ValidateAPIKey(context.Background())
			if ok != tc.wantOK {
				t.Errorf("ok = %v, want %v", ok, tc.wantOK)
			}
			if msg != tc.wantMsg {
				t.Errorf("msg = %q, want %q", msg, tc.wantMsg)
			}
			if tc.wantCall && d.callCount() != 1 {
				t.Errorf("calls = %d, want 1", d.callCount())
			}
			if !tc.wantCall && d.callCount() != 0 {
				t.Errorf("calls = %d, want 0", d.callCount())
			}
		})
	}
}
