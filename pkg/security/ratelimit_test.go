package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// Test Rate Limit Enforcement
func TestRateLimiter_BasicEnforcement(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2) // 2 requests per second, burst of 2

	clientID := "client1"

	// First two requests should succeed (burst)
	if !limiter.Allow(clientID) {
		t.Error("first request should be allowed")
	}
	if !limiter.Allow(clientID) {
		t.Error("second request should be allowed")
	}

	// Third request should fail (rate limited)
	if limiter.Allow(clientID) {
		t.Error("third request should be rate limited")
	}
}

// Test Rate Limit Reset
func TestRateLimiter_RateReset(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2) // 2 requests per second, burst of 2

	clientID := "client1"

	// Consume burst
	limiter.Allow(clientID)
	limiter.Allow(clientID)

	// Should be rate limited
	if limiter.Allow(clientID) {
		t.Error("request should be rate limited")
	}

	// Wait for rate to refill
	time.Sleep(600 * time.Millisecond)

	// Should be allowed again
	if !limiter.Allow(clientID) {
		t.Error("request should be allowed after waiting")
	}
}

// Test Multiple Clients
func TestRateLimiter_MultipleClients(t *testing.T) {
	// Use higher limits to accommodate both global and per-client limits
	limiter := NewRateLimiter(10.0, 10)

	client1 := "client1"
	client2 := "client2"

	// Both clients should have independent per-client rate limits
	// but share the global rate limit
	if !limiter.Allow(client1) {
		t.Error("client1 first request should be allowed")
	}
	if !limiter.Allow(client1) {
		t.Error("client1 second request should be allowed")
	}

	if !limiter.Allow(client2) {
		t.Error("client2 first request should be allowed")
	}
	if !limiter.Allow(client2) {
		t.Error("client2 second request should be allowed")
	}

	// Exhaust both clients' burst capacity
	for i := 0; i < 8; i++ {
		if i%2 == 0 {
			limiter.Allow(client1)
		} else {
			limiter.Allow(client2)
		}
	}

	// Both should be rate limited now (either by global or per-client limit)
	if limiter.Allow(client1) {
		t.Error("client1 should be rate limited after exhausting capacity")
	}
	if limiter.Allow(client2) {
		t.Error("client2 should be rate limited after exhausting capacity")
	}
}

// Test Global Rate Limit
func TestRateLimiter_GlobalLimit(t *testing.T) {
	limiter := NewRateLimiter(5.0, 5) // 5 requests per second globally

	// Create multiple clients trying to exceed global limit
	clients := []string{"client1", "client2", "client3"}
	allowed := 0
	denied := 0

	for i := 0; i < 20; i++ {
		clientID := clients[i%len(clients)]
		if limiter.Allow(clientID) {
			allowed++
		} else {
			denied++
		}
	}

	// Global limit should have kicked in
	if denied == 0 {
		t.Error("expected some requests to be denied by global rate limit")
	}

	t.Logf("allowed=%d, denied=%d", allowed, denied)
}

// A throttled client must not drain the shared budget
func TestRateLimiter_ThrottledClientKeepsGlobalBudget(t *testing.T) {
	limiter := NewRateLimiter(0.001, 2)
	limiter.globalLimiter = rate.NewLimiter(0.001, 4)

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow("noisy") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("noisy client allowed %d requests, want 2", allowed)
	}

	for i := 0; i < 2; i++ {
		if !limiter.Allow("quiet") {
			t.Fatalf("quiet request %d denied after another client was throttled", i+1)
		}
	}
}

// Test Wait Functionality
func TestRateLimiter_Wait(t *testing.T) {
	limiter := NewRateLimiter(2.0, 1) // 2 requests per second, burst of 1

	clientID := "client1"
	ctx := context.Background()

	// First request should succeed immediately
	if err := limiter.Wait(ctx, clientID); err != nil {
		t.Errorf("first wait should succeed: %v", err)
	}

	// Second request should wait
	start := time.Now()
	if err := limiter.Wait(ctx, clientID); err != nil {
		t.Errorf("second wait should succeed: %v", err)
	}
	elapsed := time.Since(start)

	// Should have waited approximately 500ms (half second for 2 req/sec)
	if elapsed < 400*time.Millisecond {
		t.Errorf("wait duration too short: %v", elapsed)
	}
}

// Test Wait with Context Cancellation
func TestRateLimiter_WaitContextCancel(t *testing.T) {
	limiter := NewRateLimiter(1.0, 1) // 1 request per second

	clientID := "client1"

	// Consume the burst
	limiter.Allow(clientID)

	// Create context with short timeout
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Should fail due to context cancellation
	err := limiter.Wait(ctx, clientID)
	if err == nil {
		t.Error("expected error due to context cancellation")
	}
}

// Test Concurrent Access
func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	limiter := NewRateLimiter(10.0, 10) // 10 requests per second

	var wg sync.WaitGroup
	var allowed, denied int32

	// Simulate 100 concurrent requests
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			clientID := "client1"
			if limiter.Allow(clientID) {
				atomic.AddInt32(&allowed, 1)
			} else {
				atomic.AddInt32(&denied, 1)
			}
		}(i)
	}

	wg.Wait()

	t.Logf("allowed=%d, denied=%d", allowed, denied)

	// Should have some allowed and some denied
	if allowed == 0 {
		t.Error("expected some requests to be allowed")
	}
	if denied == 0 {
		t.Error("expected some requests to be denied")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1.0, 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("burst requests = %v, want 200", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", codes[2])
	}
}

func TestRateLimiter_TracksBoundedClients(t *testing.T) {
	limiter := NewRateLimiter(100.0, 100)
	for i := 0; i < maxTrackedClients+1; i++ {
		limiter.getClientLimiter(string(rune(i)) + "-client")
	}

	limiter.mu.RLock()
	n := len(limiter.clientLimiters)
	limiter.mu.RUnlock()
	if n > maxTrackedClients {
		t.Errorf("tracked clients = %d, want <= %d", n, maxTrackedClients)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.7:4242"
	if got := ClientIP(req); got != "192.168.1.7" {
		t.Errorf("ClientIP = %q, want 192.168.1.7", got)
	}

	req.RemoteAddr = "pipe"
	if got := ClientIP(req); got != "pipe" {
		t.Errorf("ClientIP = %q, want pipe", got)
	}
}
