package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestNewRegistersOnPrivateRegistry(t *testing.T) {
	// Two sets must not collide
	a := NewUnregistered()
	b := NewUnregistered()

	a.SegmentsEmitted.Inc()
	a.SegmentsDropped.WithLabelValues("not_ready").Inc()

	if got := testutil.ToFloat64(a.SegmentsEmitted); got != 1 {
		t.Errorf("expected 1 emitted, got %f", got)
	}
	if got := testutil.ToFloat64(b.SegmentsEmitted); got != 0 {
		t.Errorf("expected independent counters, got %f", got)
	}
	if got := testutil.ToFloat64(a.SegmentsDropped.WithLabelValues("not_ready")); got != 1 {
		t.Errorf("expected 1 drop, got %f", got)
	}
}

func TestServeExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.FramesRead.Add(3)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, reg, zerolog.Nop()) }()

	var body string
	for i := 0; i < 50; i++ {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err == nil {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(data)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if !strings.Contains(body, "micrelay_frames_read_total 3") {
		t.Errorf("frames counter missing from exposition:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}
