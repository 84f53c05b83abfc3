// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/stacklok/grantengine/pkg/config"
	grantErrors "github.com/stacklok/grantengine/pkg/errors"
)

// limiterIdleTTL is how long a client's bucket survives without requests.
// A bucket idle this long has refilled, so dropping it loses no state.
const limiterIdleTTL = 10 * time.Minute

// clientLimiter holds one token bucket per registered client. Buckets follow
// the configured rate as it is reloaded and expire once idle.
type clientLimiter struct {
	mu      sync.Mutex
	buckets *cache.Cache
}

func newClientLimiter(idleTTL time.Duration) *clientLimiter {
	return &clientLimiter{buckets: cache.New(idleTTL, idleTTL)}
}

// allow takes one token from clientID's bucket. Callers resolve the client
// through the directory first so unknown IDs never allocate a bucket.
func (l *clientLimiter) allow(cfg config.RateLimitConfig, clientID string, now time.Time) error {
	if !cfg.Enabled() {
		return nil
	}
	limit := rate.Limit(cfg.PerSecond)
	burst := max(cfg.Burst, 1)

	l.mu.Lock()
	var b *rate.Limiter
	if v, ok := l.buckets.Get(clientID); ok {
		b = v.(*rate.Limiter)
	} else {
		b = rate.NewLimiter(limit, burst)
	}
	// Re-setting extends the idle expiry.
	l.buckets.SetDefault(clientID, b)
	l.mu.Unlock()

	if b.Limit() != limit {
		b.SetLimitAt(now, limit)
	}
	if b.Burst() != burst {
		b.SetBurstAt(now, burst)
	}
	if !b.AllowN(now, 1) {
		return grantErrors.Newf(grantErrors.TypeRateLimited, "client %s exceeded its issuance rate", clientID)
	}
	return nil
}

// size reports the number of live buckets.
func (l *clientLimiter) size() int {
	return l.buckets.ItemCount()
}
