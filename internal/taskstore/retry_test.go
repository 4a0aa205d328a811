package taskstore

import (
	"context"
	"errors"
	"testing"
)

func TestRetryOnBusy_NotifiesObserverPerRetry(t *testing.T) {
	s := &Store{}
	observed := 0
	s.SetBusyRetryObserver(func(context.Context) { observed++ })

	calls := 0
	err := s.retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if observed != 2 {
		t.Fatalf("observer ran %d times, want once per retry (2)", observed)
	}
}

func TestRetryOnBusy_NonBusyErrorSkipsObserver(t *testing.T) {
	s := &Store{}
	observed := 0
	s.SetBusyRetryObserver(func(context.Context) { observed++ })

	wantErr := errors.New("no such table: tasks")
	err := s.retryOnBusy(context.Background(), 3, func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected passthrough error, got %v", err)
	}
	if observed != 0 {
		t.Fatalf("observer ran %d times for a non-busy error", observed)
	}
}

func TestRetryOnBusy_NilObserver(t *testing.T) {
	s := &Store{}
	calls := 0
	err := s.retryOnBusy(context.Background(), 1, func() error {
		calls++
		if calls == 1 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success without an observer, got %v", err)
	}
}
