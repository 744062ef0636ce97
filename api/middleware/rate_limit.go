package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dvhzldn/almond-river-records-sub000/api/responses"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

type rateLimiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// checkoutCounter throttles one dimension of a checkout request. subject
// returns "" when the request carries nothing to count.
type checkoutCounter struct {
	dimension string
	limit     int
	subject   func(r *http.Request, body []byte) string
}

// RateLimitPolicy throttles checkout creation per client IP and per buyer
// email, each counted in its own fixed window.
type RateLimitPolicy struct {
	name     string
	window   time.Duration
	counters []checkoutCounter
}

// NewRateLimitPolicy builds a policy; a zero limit turns that counter off.
func NewRateLimitPolicy(name string, window time.Duration, ipLimit, emailLimit int) RateLimitPolicy {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "checkout"
	}
	p := RateLimitPolicy{name: name, window: window}
	if ipLimit > 0 {
		p.counters = append(p.counters, checkoutCounter{dimension: "ip", limit: ipLimit, subject: func(r *http.Request, _ []byte) string {
			return clientIP(r)
		}})
	}
	if emailLimit > 0 {
		p.counters = append(p.counters, checkoutCounter{dimension: "email", limit: emailLimit, subject: func(_ *http.Request, body []byte) string {
			if email := buyerEmail(body); email != "" {
				return hashValue(email)
			}
			return ""
		}})
	}
	return p
}

func (p RateLimitPolicy) enabled() bool {
	return p.window > 0 && len(p.counters) > 0
}

func (p RateLimitPolicy) needsBody() bool {
	for _, c := range p.counters {
		if c.dimension == "email" {
			return true
		}
	}
	return false
}

// RateLimit enforces the policy's counters in order and stops at the first
// exhausted one. Emails are hashed before they reach Redis.
func RateLimit(policy RateLimitPolicy, limiter rateLimiter, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || limiter == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			var body []byte
			if policy.needsBody() {
				var err error
				if body, err = io.ReadAll(r.Body); err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			for _, c := range policy.counters {
				subject := c.subject(r, body)
				if subject == "" {
					continue
				}
				scope := c.dimension + ":" + policy.name + ":" + subject
				allowed, count, err := limiter.FixedWindowAllow(ctx, scope, int64(c.limit), policy.window)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
					return
				}
				if !allowed {
					rejectCheckout(ctx, logg, w, policy, c, count)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rejectCheckout(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, policy RateLimitPolicy, c checkoutCounter, count int64) {
	retryAfter := int(policy.window.Round(time.Second).Seconds())
	if logg != nil {
		logg.Warn(logg.WithFields(ctx, map[string]any{
			"scope":          c.dimension,
			"policy":         policy.name,
			"attempts":       count,
			"limit":          c.limit,
			"window_seconds": retryAfter,
		}), "rate_limit.blocked")
	}
	// The window is fixed, so a full window is the worst-case wait.
	w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
}

func clientIP(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// buyerEmail reads customer.email from a checkout body, normalized so that
// case and padding variants share one counter.
func buyerEmail(payload []byte) string {
	var body struct {
		Customer struct {
			Email string `json:"email"`
		} `json:"customer"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(body.Customer.Email))
}

func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
