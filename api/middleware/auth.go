package middleware

import (
	"net/http"
	"strings"

	"github.com/dvhzldn/almond-river-records-sub000/api/responses"
	pkgAuth "github.com/dvhzldn/almond-river-records-sub000/pkg/auth"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

// InternalAuth guards internal endpoints with an HS256 service token. With no
// secret configured the endpoint is left open, for private networks.
func InternalAuth(cfg config.InternalConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if cfg.JWTSecret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseServiceToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithCaller(r.Context(), claims.Subject)
			if logg != nil {
				ctx = logg.WithField(ctx, "caller", claims.Subject)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
