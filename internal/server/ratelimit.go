package server

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/tjfontaine/assistd/internal/domain"
)

// RateLimitMiddleware limits each client IP to perMinute requests. Zero or
// less disables limiting. Rejections use the same JSON error body as every
// other failure.
func RateLimitMiddleware(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			apiErr := domain.NewAPIError(domain.ErrorTypeRateLimit, "too many requests").
				WithCode(domain.ErrorCodeRateLimitExceeded)
			writeError(w, r, apiErr)
		}),
	)
}
