package lim

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"pastabin/metrics"
	"pastabin/svc/util"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	adaptiveFor     = 60 * time.Second
)

// Counter is a shared fixed-window counter, satisfied by *db.Redis.
type Counter interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// Limiter throttles secret and confirmation attempts per client IP and
// endpoint. With a Counter the budget is shared across instances; without
// one, or when it fails, a conservative local token bucket applies.
type Limiter struct {
	counter           Counter
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	localLimiters     map[string]*limiterEntry
	mu                sync.Mutex
	rpm               int
	burst             int
	conservativeLimit int
	quit              chan struct{}
	stopOnce          sync.Once
}
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(rpm, burst, conservativeLimit int, counter Counter, trustedProxies []string) *Limiter {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				panic(fmt.Sprintf("invalid CIDR in trustedProxies: %s: %v", proxy, err))
			}
		} else if net.ParseIP(proxy) == nil {
			panic(fmt.Sprintf("invalid IP in trustedProxies: %s", proxy))
		}
	}
	if burst <= 0 {
		burst = 1
	}
	if conservativeLimit <= 0 {
		conservativeLimit = 1
	}
	l := &Limiter{
		counter:           counter,
		trustedProxies:    trustedProxies,
		localLimiters:     make(map[string]*limiterEntry),
		rpm:               rpm,
		burst:             burst,
		conservativeLimit: conservativeLimit,
		quit:              make(chan struct{}),
	}
	l.detector = NewAnomalyDetector(5, 5.0, l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l
}
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now())
		case <-l.quit:
			return
		}
	}
}
func (l *Limiter) evictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.localLimiters, key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", len(l.localLimiters)).Msg("rate limiter cleanup")
	}
	return evicted
}
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(adaptiveFor).Unix())
}
func (l *Limiter) isAdaptiveMode() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}
func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }
func halve(n int) int {
	if n/2 < 1 {
		return 1
	}
	return n / 2
}

// Allow charges one attempt for the caller of r against endpoint.
func (l *Limiter) Allow(r *http.Request, endpoint string) Result {
	ip := GetRealIP(r, l.trustedProxies)
	res := l.allow(r.Context(), ip, endpoint)
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		util.Warn().Str("ip", util.RedactIP(ip)).Str("endpoint", endpoint).Msg("rate limit exceeded")
	}
	return res
}
func (l *Limiter) allow(ctx context.Context, ip, endpoint string) Result {
	if l.counter == nil {
		return l.local(ip, endpoint)
	}
	limit := l.rpm
	if l.isAdaptiveMode() {
		limit = halve(limit)
	}
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	usage, err := l.counter.Hit(ctx, counterKey(ip, endpoint), limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Msg("shared rate limit unavailable, using local fallback")
		return l.local(ip, endpoint)
	}
	reset := time.Now().Add(time.Minute)
	if usage > limit {
		return Result{Allowed: false, Limit: limit, Reset: reset}
	}
	return Result{Allowed: true, Limit: limit, Remaining: limit - usage, Reset: reset}
}

// counterKey hashes the IP so shared storage never holds raw addresses.
func counterKey(ip, endpoint string) string {
	sum := sha256.Sum256([]byte(ip))
	return "lim:" + endpoint + ":" + hex.EncodeToString(sum[:12])
}
func (l *Limiter) local(ip, endpoint string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if len(l.localLimiters) >= maxLimiters {
		l.evictOldestLocked(len(l.localLimiters) / 10)
	}
	limit := l.conservativeLimit
	if l.counter == nil {
		limit = l.rpm
	}
	if l.isAdaptiveMode() {
		limit = halve(limit)
	}
	key := ip + ":" + endpoint
	entry, ok := l.localLimiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(limit)/60.0), l.burst)}
		l.localLimiters[key] = entry
	}
	entry.lastAccess = now
	reset := now.Add(time.Minute)
	if !entry.limiter.AllowN(now, 1) {
		return Result{Allowed: false, Limit: limit, Reset: reset}
	}
	return Result{Allowed: true, Limit: limit, Remaining: int(entry.limiter.TokensAt(now)), Reset: reset}
}
func (l *Limiter) evictOldestLocked(count int) {
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.localLimiters))
	for k, v := range l.localLimiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lastAccess.Before(entries[j].lastAccess) })
	for i := 0; i < count && i < len(entries); i++ {
		delete(l.localLimiters, entries[i].key)
	}
}

func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	hops := strings.Split(xff, ",")
	parsed := 0
	for i := len(hops) - 1; i >= 0 && parsed < maxIPsToParse; i-- {
		ipStr := strings.TrimSpace(hops[i])
		if ipStr == "" {
			continue
		}
		parsed++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	return remoteIP
}
func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsedIP != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsedIP) {
				return true
			}
		}
	}
	return false
}
func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
