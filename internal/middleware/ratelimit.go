// Package middleware はAPI全体に適用する横断的なミドルウェアを提供します。
package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientLimiter はクライアント1件分のトークンバケットです。
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter はクライアントIPごとのトークンバケットでリクエスト数を制限します。
// 状態はインメモリで、一定時間アクセスの無いクライアントは定期的に回収します。
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
}

// NewRateLimiter は1分あたり perMinute リクエストまで許可するリミッターを作成します。
// perMinute が 0 以下の場合は制限しません（Handler が素通しになります）。
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
	}
	if perMinute > 0 {
		go rl.evictLoop()
	}
	return rl
}

// Handler はレート制限を適用する gin ミドルウェアを返します。
// 超過したリクエストには 429 と Retry-After を返します。
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	if rl.burst <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		limiter := rl.get(c.ClientIP())
		if !limiter.Allow() {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエスト数が多すぎます。しばらく待ってから再試行してください。",
			})
			return
		}
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", rl.burst))
		c.Next()
	}
}

func (rl *RateLimiter) get(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cl, ok := rl.clients[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

// evictLoop は10分以上アクセスの無いクライアントの状態を破棄します。
func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		rl.mu.Lock()
		for ip, cl := range rl.clients {
			if cl.lastSeen.Before(cutoff) {
				delete(rl.clients, ip)
			}
		}
		rl.mu.Unlock()
	}
}
