// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewScheduler_InvalidExpression(t *testing.T) {
	if _, err := NewScheduler("not a cron", quietLogger(), func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	s, err := NewScheduler("@every 1h", quietLogger(), func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.execute()
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Running() {
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Segunda execução concorrente deve ser descartada
	s.execute()
	close(release)
	<-done

	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 sweep, got %d", got)
	}
	if s.Running() {
		t.Error("running flag should be cleared")
	}
}

func TestScheduler_StopCancelsSweep(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan error, 1)
	s, err := NewScheduler("@every 1h", quietLogger(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start()
	if s.Next().IsZero() {
		t.Error("expected next run after Start")
	}

	go s.execute()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	select {
	case err := <-finished:
		if err != context.Canceled {
			t.Errorf("sweep context error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep was not cancelled by Stop")
	}
}
