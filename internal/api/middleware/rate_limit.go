package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/api/problem"
	"github.com/go-chi/httprate"
)

func rateLimitExceeded(scope string, rps int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		problem.Write(
			w,
			r,
			http.StatusTooManyRequests,
			problem.Type("rate-limit-exceeded"),
			http.StatusText(http.StatusTooManyRequests),
			fmt.Sprintf("rate limit of %d req/s exceeded for this %s", rps, scope),
		)
	}
}

// PublicRateLimiter limits unauthenticated traffic per client IP. Provider
// webhook callbacks go through this limiter, so the ceiling must stay above
// the providers' burst behavior during reconciliation storms.
func PublicRateLimiter(rps int) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(rateLimitExceeded("address", rps)),
	)
}

// AuthRateLimiter limits authenticated traffic per user, falling back to the
// client IP when no identity is in context.
func AuthRateLimiter(rps int) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if userID := UserIDFromContext(r.Context()); userID != "" {
				return userID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(rateLimitExceeded("account", rps)),
	)
}
