package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tg_member_bot/internal/domain"
	"tg_member_bot/internal/logging"
)

// HeaderRequestID carries the per-request correlation id.
const HeaderRequestID = "X-Request-ID"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	claimsKey
)

// Claims is the bearer token payload issued by the web application.
// The account id travels in the registered "sub" claim.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) role() domain.Role {
	role := domain.Role(strings.ToLower(strings.TrimSpace(c.Role)))
	if role.Valid() {
		return role
	}
	return domain.RoleMember
}

func claimsFrom(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}

// RequestID returns the request id stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.WithFields(logging.Fields{
			"event":       "http_request",
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  RequestID(r.Context()),
		}).Info("http request served")
	})
}

// authenticate accepts only HS256 bearer tokens signed with the shared secret
// and carrying a subject.
func (s *Server) authenticate(next http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.writeJSON(w, http.StatusUnauthorized, envelope{Message: "missing bearer token", Code: CodeUnauthorized})
			return
		}

		claims := &Claims{}
		_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return s.secret, nil
		})
		if err == nil && strings.TrimSpace(claims.Subject) == "" {
			err = errors.New("token has no subject")
		}
		if err != nil {
			s.logger.WithFields(logging.Fields{
				"event":      "http_auth_failed",
				"request_id": RequestID(r.Context()),
			}).WithError(err).Warn("rejected bearer token")
			s.writeJSON(w, http.StatusUnauthorized, envelope{Message: "invalid bearer token", Code: CodeUnauthorized})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// flexibleID decodes a chat id sent either as a JSON number or a string.
type flexibleID int64

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
		if len(data) == 0 {
			*f = 0
			return nil
		}
	}

	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("telegramId must be an integer: %w", err)
	}
	*f = flexibleID(id)
	return nil
}
