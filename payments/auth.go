package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const adminRole = "admin"

var errUnauthorized = errors.New("unauthorized")

// adminAuth guards operator endpoints such as refunds. Callers present an
// HS256 bearer token with an exp claim and role "admin". Without a secret
// every request is rejected.
type adminAuth struct {
	secret []byte
	logger *slog.Logger
}

func newAdminAuth(secret string, logger *slog.Logger) *adminAuth {
	return &adminAuth{secret: []byte(secret), logger: logger}
}

func (a *adminAuth) require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.verify(r.Header.Get("Authorization")); err != nil {
			a.logger.Warn("rejected admin request",
				slog.String("path", r.URL.Path),
				slog.Any("error", err),
			)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (a *adminAuth) verify(header string) error {
	if len(a.secret) == 0 {
		return fmt.Errorf("%w: admin token secret not configured", errUnauthorized)
	}

	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return fmt.Errorf("%w: missing bearer token", errUnauthorized)
	}

	// Warum WithValidMethods?
	// → Ohne feste Methode akzeptiert Parse auch Tokens mit anderem alg Header
	token, err := jwt.Parse(tokenString,
		func(token *jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", errUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || claims["role"] != adminRole {
		return fmt.Errorf("%w: token lacks admin role", errUnauthorized)
	}
	return nil
}
