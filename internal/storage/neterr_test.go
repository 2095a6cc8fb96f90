package storage_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"pkt.systems/postbox/internal/storage"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "net op timeout", err: &net.OpError{Err: fakeTimeoutErr{}}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "wrapped refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), expected: true},
		{name: "closed", err: net.ErrClosed, expected: true},
		{name: "plain", err: errors.New("boom"), expected: false},
		{name: "not found", err: storage.ErrNotFound, expected: false},
	}
	for _, tc := range tests {
		if got := storage.IsNetworkError(tc.err); got != tc.expected {
			t.Fatalf("%s: IsNetworkError = %v, want %v", tc.name, got, tc.expected)
		}
	}
}

func TestIsRetryableStatus(t *testing.T) {
	for status, want := range map[int]bool{200: false, 404: false, 408: true, 429: true, 500: true, 503: true} {
		if got := storage.IsRetryableStatus(status); got != want {
			t.Fatalf("IsRetryableStatus(%d) = %v, want %v", status, got, want)
		}
	}
}
