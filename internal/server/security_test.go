package server

import "testing"

func TestConnLimiter(t *testing.T) {
	limiter := newConnLimiter(1)
	if limiter == nil {
		t.Fatalf("expected limiter instance")
	}

	release, ok := limiter.acquire("10.0.0.1")
	if !ok {
		t.Fatalf("first acquire should succeed")
	}

	if _, ok := limiter.acquire("10.0.0.1"); ok {
		t.Fatalf("second acquire without release should fail")
	}

	if _, ok := limiter.acquire("10.0.0.2"); !ok {
		t.Fatalf("different IP should not be limited")
	}

	release()
	release() // idempotent

	if _, ok := limiter.acquire("10.0.0.1"); !ok {
		t.Fatalf("acquire after release should succeed")
	}
}

func TestConnLimiterDisabled(t *testing.T) {
	if limiter := newConnLimiter(0); limiter != nil {
		t.Fatalf("non-positive limit should disable the limiter")
	}

	var limiter *connLimiter
	if _, ok := limiter.acquire("10.0.0.1"); !ok {
		t.Fatalf("nil limiter should admit everything")
	}
}

func TestExtractBearer(t *testing.T) {
	if token := extractBearer("Bearer secret"); token != "secret" {
		t.Fatalf("expected token 'secret', got %q", token)
	}

	if other := extractBearer("bearer another"); other != "another" {
		t.Fatalf("expected case-insensitive bearer, got %q", other)
	}

	if invalid := extractBearer("Token abc"); invalid != "" {
		t.Fatalf("expected empty token for invalid header, got %q", invalid)
	}

	if empty := extractBearer(""); empty != "" {
		t.Fatalf("expected empty token when header absent, got %q", empty)
	}
}
