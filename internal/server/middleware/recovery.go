// Package middleware holds HTTP middleware shared across the API server.
package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/skywork/internal/errors"
)

// Recovery converts handler panics into a JSON 500 instead of tearing
// down the connection.
func Recovery(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("handler panic",
						zap.String("path", r.URL.Path),
						zap.Any("panic", rec))
					apperrors.Write(w, http.StatusInternalServerError,
						apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
