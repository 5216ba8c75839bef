package auth

import (
	"sync"
	"time"
)

const (
	rateLimitWindow = 5 * time.Minute

	// rateLimitMaxFail is the failed-login budget of one source IP.
	rateLimitMaxFail = 10

	// rateLimitMaxTokenFail is the failed-login budget of one request
	// token, whatever IPs the attempts come from.
	rateLimitMaxTokenFail = 5

	// rateLimitPruneThreshold is the number of tracked keys above which
	// expired entries are swept.
	rateLimitPruneThreshold = 1000
)

// failureWindow counts failures per key over a sliding window.
type failureWindow struct {
	max      int
	failures map[string][]time.Time
}

func newFailureWindow(limit int) *failureWindow {
	return &failureWindow{max: limit, failures: make(map[string][]time.Time)}
}

// exceeded drops failures older than cutoff and reports whether key has
// used up its budget.
func (w *failureWindow) exceeded(key string, cutoff time.Time) bool {
	if len(w.failures) > rateLimitPruneThreshold {
		for k, times := range w.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(w.failures, k)
			}
		}
	}

	recent := w.failures[key][:0]
	for _, t := range w.failures[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(w.failures, key)
	} else {
		w.failures[key] = recent
	}

	return len(recent) >= w.max
}

func (w *failureWindow) add(key string, at time.Time) {
	w.failures[key] = append(w.failures[key], at)
}

// loginRateLimiter rejects authorize logins once either the source IP or
// the request token being authorized has too many recent failures.
type loginRateLimiter struct {
	mu      sync.Mutex
	byIP    *failureWindow
	byToken *failureWindow
	now     func() time.Time
}

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		byIP:    newFailureWindow(rateLimitMaxFail),
		byToken: newFailureWindow(rateLimitMaxTokenFail),
		now:     time.Now,
	}
}

// check reports whether a login from ip for requestToken is rate-limited.
func (rl *loginRateLimiter) check(ip, requestToken string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rateLimitWindow)

	// Both windows are pruned on every check.
	ipLimited := rl.byIP.exceeded(ip, cutoff)
	tokenLimited := rl.byToken.exceeded(requestToken, cutoff)

	return ipLimited || tokenLimited
}

// record counts a failed login against both ip and requestToken.
func (rl *loginRateLimiter) record(ip, requestToken string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.byIP.add(ip, now)
	rl.byToken.add(requestToken, now)
}
