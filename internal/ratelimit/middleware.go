package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/httputil"
	"github.com/af-corp/aegis-assistant/internal/telemetry"
)

const (
	headerRateLimitRequests          = "X-RateLimit-Limit-Requests"
	headerRateLimitRemainingRequests = "X-RateLimit-Remaining-Requests"
	headerRateLimitReset             = "X-RateLimit-Reset-Requests"
	headerRetryAfter                 = "Retry-After"
)

// ClientKey identifies the caller of r by IP address. It expects RealIP to
// have run first.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware enforces the per-client request rate and daily prompt-token
// quota from the current configuration. Redis errors are logged and the
// request is let through.
func Middleware(limiter *Limiter, quota *TokenQuota, settings func() *config.Config, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := telemetry.RequestID(ctx)
			client := ClientKey(r)
			rl := settings().RateLimit

			if rpm := int64(rl.RequestsPerMinute); rpm > 0 {
				result, err := limiter.Check(ctx, "rpm:"+client, rpm, time.Minute)
				if err != nil {
					slog.Warn("rate limiter unavailable", "request_id", reqID, "error", err)
				}

				w.Header().Set(headerRateLimitRequests, strconv.FormatInt(rpm, 10))
				w.Header().Set(headerRateLimitRemainingRequests, strconv.FormatInt(result.Remaining, 10))
				w.Header().Set(headerRateLimitReset, result.ResetAt.UTC().Format(time.RFC3339))

				if !result.Allowed {
					slog.Warn("rate limit exceeded",
						"request_id", reqID,
						"client", client,
						"dimension", "rpm",
						"limit", rpm,
					)
					metrics.RecordRateLimitHit("rpm")
					w.Header().Set(headerRetryAfter, strconv.Itoa(int(result.RetryAfter.Round(time.Second).Seconds())))
					httputil.WriteRateLimitError(w, reqID,
						fmt.Sprintf("Rate limit exceeded: %d requests per minute", rpm))
					return
				}
			}

			if limit := int64(rl.DailyPromptTokenLimit); limit > 0 {
				result, err := quota.Check(ctx, client, limit)
				if err != nil {
					slog.Warn("token quota unavailable", "request_id", reqID, "error", err)
				}
				if !result.Allowed {
					slog.Warn("daily token quota exceeded",
						"request_id", reqID,
						"client", client,
						"used", result.Used,
						"limit", result.Limit,
					)
					metrics.RecordRateLimitHit("daily_tokens")
					httputil.WriteQuotaExceededError(w, reqID,
						fmt.Sprintf("Daily prompt token quota exceeded: used %d of %d", result.Used, result.Limit))
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Recorder charges prompt tokens against the caller's daily quota.
type Recorder struct {
	quota *TokenQuota
}

func NewRecorder(quota *TokenQuota) *Recorder {
	return &Recorder{quota: quota}
}

// Record is best effort; a failure is logged and otherwise ignored.
func (rec *Recorder) Record(ctx context.Context, r *http.Request, promptTokens int) {
	if err := rec.quota.Consume(ctx, ClientKey(r), promptTokens); err != nil {
		slog.Warn("failed to record prompt tokens", "request_id", telemetry.RequestID(ctx), "error", err)
	}
}
