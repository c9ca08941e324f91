package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/SARVESHVARADKAR123/peersync/internal/observability"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	errMissingToken = errors.New("missing token")
	errTokenFormat  = errors.New("invalid token format")
	errInvalidToken = errors.New("invalid token")
)

// JWT authenticates the request and stores the token subject as the user id.
// Browsers cannot set headers on a websocket upgrade, so the token may also
// come from the "token" query parameter.
func JWT(secret, issuer, audience string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := extractToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			sub, err := verifyToken(tokenString, secret, issuer, audience)
			if err != nil {
				observability.GetLogger(r.Context()).Debug("jwt_rejected", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "unauthorized", errInvalidToken.Error())
				return
			}

			ctx := InjectUserID(r.Context(), sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if q := r.URL.Query().Get("token"); q != "" {
			return q, nil
		}
		return "", errMissingToken
	}

	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errTokenFormat
	}

	return parts[1], nil
}

func verifyToken(tokenString, secret, issuer, audience string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", errInvalidToken
	}

	return claims.Subject, nil
}
