package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kay-ou/SimTradeData/internal/provider"
)

func TestRetryPolicyRetriesTransient(t *testing.T) {
	attempts := 0
	p := NewRetryPolicy(2, time.Millisecond)
	err := p.Do(context.Background(), func() error {
		attempts++
		return &provider.TransientError{Provider: "p", Op: "daily", Err: errors.New("timeout")}
	})
	if err == nil {
		t.Fatal("expected error after retry budget")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryPolicyStopsOnPermanent(t *testing.T) {
	attempts := 0
	p := NewRetryPolicy(5, time.Millisecond)
	err := p.Do(context.Background(), func() error {
		attempts++
		return &provider.ShapeError{Provider: "p", Op: "daily", Detail: "missing close"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("shape errors must not be retried, got %d attempts", attempts)
	}
}

func TestRetryPolicyEventualSuccess(t *testing.T) {
	attempts := 0
	p := NewRetryPolicy(3, time.Millisecond)
	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return &provider.TransientError{Provider: "p", Op: "daily", Err: errors.New("timeout")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
