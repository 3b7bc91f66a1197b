package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"kasirinaja/pos/internal/config"
	"kasirinaja/pos/internal/parked"
	"kasirinaja/pos/internal/store/memory"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", AllowedOrigin: "http://127.0.0.1:3000"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}

	err = validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "*"})
	if err == nil {
		t.Fatalf("expected wildcard origin to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "http://127.0.0.1:3000"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestSplitFooter(t *testing.T) {
	got := splitFooter(" Terima kasih | | Barang yang sudah dibeli tidak dapat dikembalikan ")
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d (%q)", len(got), got)
	}
	if got[0] != "Terima kasih" {
		t.Fatalf("unexpected first line %q", got[0])
	}
	if lines := splitFooter(""); len(lines) != 0 {
		t.Fatalf("expected no lines for empty footer, got %q", lines)
	}
}

func TestHealthCheckReportsFirstFailure(t *testing.T) {
	boom := errors.New("db down")
	check := healthCheck([]func(context.Context) error{
		func(context.Context) error { return nil },
		func(context.Context) error { return boom },
	})
	if err := check(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected db down, got %v", err)
	}
	if err := healthCheck(nil)(context.Background()); err != nil {
		t.Fatalf("expected no error without checks, got %v", err)
	}
}

func TestRunReaperStopsWithContext(t *testing.T) {
	carts := parked.New(memory.New())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runReaper(ctx, carts, time.Millisecond, zap.NewNop())
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reaper did not stop after cancel")
	}
}
