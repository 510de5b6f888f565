package hooks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"adk-router/internal/metrics"
	"adk-router/internal/model"
)

func TestChain_BeforeProxyStopsAtFirstError(t *testing.T) {
	var calls []string
	rejected := errors.New("rejected")
	chain := Chain{
		Funcs{Before: func(context.Context, *Context) error { calls = append(calls, "a"); return nil }},
		Funcs{Before: func(context.Context, *Context) error { calls = append(calls, "b"); return rejected }},
		Funcs{Before: func(context.Context, *Context) error { calls = append(calls, "c"); return nil }},
	}

	err := chain.BeforeProxy(context.Background(), &Context{})
	if !errors.Is(err, rejected) {
		t.Fatalf("BeforeProxy() error = %v, want %v", err, rejected)
	}
	if got := strings.Join(calls, ","); got != "a,b" {
		t.Errorf("calls = %q, want %q", got, "a,b")
	}
}

func TestChain_AfterProxyRunsAllAndJoins(t *testing.T) {
	var calls []string
	errA := errors.New("a failed")
	errC := errors.New("c failed")
	chain := Chain{
		Funcs{After: func(context.Context, *Context) error { calls = append(calls, "a"); return errA }},
		Funcs{After: func(context.Context, *Context) error { calls = append(calls, "b"); return nil }},
		Funcs{After: func(context.Context, *Context) error { calls = append(calls, "c"); return errC }},
		Funcs{}, // nil funcs are no-ops
	}

	err := chain.AfterProxy(context.Background(), &Context{})
	if !errors.Is(err, errA) || !errors.Is(err, errC) {
		t.Fatalf("AfterProxy() error = %v, want both errors joined", err)
	}
	if got := strings.Join(calls, ","); got != "a,b,c" {
		t.Errorf("calls = %q, want %q", got, "a,b,c")
	}
}

func TestChain_OnProxyErrorRunsAll(t *testing.T) {
	n := 0
	chain := Chain{
		Funcs{OnError: func(context.Context, *Context) error { n++; return errors.New("x") }},
		Funcs{OnError: func(context.Context, *Context) error { n++; return nil }},
	}

	if err := chain.OnProxyError(context.Background(), &Context{}); err == nil {
		t.Error("OnProxyError() expected joined error, got nil")
	}
	if n != 2 {
		t.Errorf("interceptors run = %d, want 2", n)
	}
}

func TestRunner_RecoversAndCounts(t *testing.T) {
	m := metrics.New()
	var logs bytes.Buffer
	r := NewRunner(slog.New(slog.NewTextHandler(&logs, nil)), m, time.Second)

	r.Go(context.Background(), "after_proxy", func(context.Context) error { panic("boom") })
	r.Go(context.Background(), "after_proxy", func(context.Context) error { return errors.New("failed") })
	r.Go(context.Background(), "after_proxy", func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var failures float64
	for _, f := range families {
		if f.GetName() == "adk_router_hook_failures_total" {
			for _, metric := range f.GetMetric() {
				failures += metric.GetCounter().GetValue()
			}
		}
	}
	if failures != 2 {
		t.Errorf("hook failures = %v, want 2", failures)
	}
	if !strings.Contains(logs.String(), "hook panic: boom") {
		t.Errorf("expected panic to be logged, got %q", logs.String())
	}
}

func TestRunner_Await(t *testing.T) {
	m := metrics.New()
	r := NewRunner(slog.New(slog.NewTextHandler(io.Discard, nil)), m, time.Second)

	r.Await(context.Background(), "after_proxy", func(context.Context) error { panic("boom") })
	r.Await(context.Background(), "on_proxy_error", func(context.Context) error { return errors.New("failed") })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var taskErr error
	r.Await(ctx, "after_proxy", func(ctx context.Context) error {
		taskErr = ctx.Err()
		return nil
	})
	if !errors.Is(taskErr, context.Canceled) {
		t.Errorf("task context error = %v, want Canceled (awaited tasks keep cancellation)", taskErr)
	}

	tests := []struct {
		hook string
		want float64
	}{
		{"after_proxy", 1},
		{"on_proxy_error", 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.HookFailures.WithLabelValues(tt.hook)); got != tt.want {
			t.Errorf("failures{%s} = %v, want %v", tt.hook, got, tt.want)
		}
	}
}

func TestRunner_DetachedFromCancellation(t *testing.T) {
	r := NewRunner(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := make(chan error, 1)
	r.Go(ctx, "after_proxy", func(ctx context.Context) error {
		got <- ctx.Err()
		return nil
	})

	select {
	case err := <-got:
		if err != nil {
			t.Errorf("task context error = %v, want nil (detached)", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestRunner_WaitTimeout(t *testing.T) {
	r := NewRunner(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, time.Minute)
	release := make(chan struct{})
	defer close(release)

	r.Go(context.Background(), "slow", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestStreamCopy_DeliversChunks(t *testing.T) {
	sc := NewStreamCopy(8)
	buf := []byte("data: one\n\n")
	sc.Offer(buf)
	buf[0] = 'X' // Offer must copy
	sc.Offer([]byte("data: two\n\n"))
	sc.Finish()

	got, err := io.ReadAll(sc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != "data: one\n\ndata: two\n\n" {
		t.Errorf("copy = %q", got)
	}
	if sc.Truncated() {
		t.Error("Truncated() = true, want false")
	}
}

func TestStreamCopy_NeverBlocks(t *testing.T) {
	sc := NewStreamCopy(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 100 {
			sc.Offer([]byte("chunk"))
		}
		sc.Finish()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Offer blocked without a reader")
	}

	if !sc.Truncated() {
		t.Error("Truncated() = false, want true")
	}
	_, err := io.ReadAll(sc)
	if !errors.Is(err, ErrStreamTruncated) {
		t.Errorf("ReadAll() error = %v, want ErrStreamTruncated", err)
	}
}

func TestStreamCopy_ClosedReaderStopsOffers(t *testing.T) {
	sc := NewStreamCopy(4)
	_ = sc.Close()
	sc.Offer([]byte("ignored"))
	sc.Finish()

	got, _ := io.ReadAll(sc)
	if len(got) != 0 {
		t.Errorf("copy after Close = %q, want empty", got)
	}
}

func TestStreamCopy_BoundReadHonoursDeadline(t *testing.T) {
	sc := NewStreamCopy(4)
	sc.Offer([]byte("data: first\n\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sc.Bind(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(sc)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("ReadAll() error = %v, want DeadlineExceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Read ignored the bound context on an unfinished stream")
	}
}

func TestCountEvents(t *testing.T) {
	stream := "data: {\"content\":{\"parts\":[{\"text\":\"hi\"}]}}\n\n" +
		": keep-alive comment\n\n" +
		"event: message\ndata: second\n\n" +
		"data: unterminated"

	n, err := CountEvents(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("CountEvents() error = %v", err)
	}
	if n != 3 {
		t.Errorf("CountEvents() = %d, want 3", n)
	}
}

func TestMetrics_AfterProxyStream(t *testing.T) {
	m := metrics.New()
	h := NewMetrics(m)

	sc := NewStreamCopy(8)
	sc.Offer([]byte("data: a\n\ndata: b\n\n"))
	sc.Finish()

	hc := &Context{
		Kind:     model.ContentEventStream,
		Response: &model.ProxyResponse{Body: sc, Kind: model.ContentEventStream},
	}
	if err := h.AfterProxy(context.Background(), hc); err != nil {
		t.Fatalf("AfterProxy() error = %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "adk_router_stream_events_total" {
			if v := f.GetMetric()[0].GetCounter().GetValue(); v != 2 {
				t.Errorf("stream events = %v, want 2", v)
			}
			return
		}
	}
	t.Error("expected adk_router_stream_events_total")
}

func TestMetrics_AfterProxyBuffered(t *testing.T) {
	m := metrics.New()
	h := NewMetrics(m)

	hc := &Context{
		Kind: model.ContentJSON,
		Response: &model.ProxyResponse{
			Body: io.NopCloser(strings.NewReader(`{"apps":["a","b"]}`)),
			Kind: model.ContentJSON,
		},
	}
	if err := h.AfterProxy(context.Background(), hc); err != nil {
		t.Fatalf("AfterProxy() error = %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "adk_router_buffered_response_bytes_total" {
			if v := f.GetMetric()[0].GetCounter().GetValue(); v != 18 {
				t.Errorf("buffered bytes = %v, want 18", v)
			}
			return
		}
	}
	t.Error("expected adk_router_buffered_response_bytes_total")
}
