// Package httpapi exposes the token endpoints used by the web application and
// the bot, plus a health probe for containers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"tg_member_bot/internal/domain"
	"tg_member_bot/internal/linking"
	"tg_member_bot/internal/logging"
)

const (
	mongoPingTimeout  = 2 * time.Second
	readHeaderTimeout = 2 * time.Second
	maxBodyBytes      = 1 << 16

	PathGenerateToken = "/api/telegram/generate-token"
	PathValidateToken = "/api/telegram-validation/validate-token"
	PathHealth        = "/healthz"
)

// Machine-readable failure codes carried in the response body.
const (
	CodeInvalidToken     = "invalid_token"
	CodeTokenExpired     = "token_expired"
	CodeAlreadyConnected = "already_connected"
	CodeAccountNotFound  = "account_not_found"
	CodeUnauthorized     = "unauthorized"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal_error"
)

// Issuer issues connection tokens.
type Issuer interface {
	Issue(ctx context.Context, accountID string, role domain.Role) (linking.Issued, error)
}

// Redeemer redeems connection tokens.
type Redeemer interface {
	Redeem(ctx context.Context, telegramID int64, token string) (linking.Profile, error)
}

// MongoChecker defines the subset of MongoDB client behavior required for health.
type MongoChecker interface {
	Ping(ctx context.Context) error
}

// Server hosts the API and owns the underlying HTTP server.
type Server struct {
	server   *http.Server
	logger   *logrus.Entry
	issuer   Issuer
	redeemer Redeemer
	mongo    MongoChecker
	secret   []byte
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	Mongo  string `json:"mongo,omitempty"`
}

type validateRequest struct {
	TelegramID      flexibleID `json:"telegramId"`
	ConnectionToken string     `json:"connectionToken"`
}

// NewServer constructs the API server listening on the provided port.
func NewServer(port int, jwtSecret string, issuer Issuer, redeemer Redeemer, mongo MongoChecker, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logging.Logger()
	}

	srv := &Server{
		logger:   logger,
		issuer:   issuer,
		redeemer: redeemer,
		mongo:    mongo,
		secret:   []byte(jwtSecret),
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return srv
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(requestID, s.logRequests)

	r.HandleFunc(PathHealth, s.handleHealth).Methods(http.MethodGet)
	r.Handle(PathGenerateToken, s.authenticate(http.HandlerFunc(s.handleGenerate))).Methods(http.MethodPost)
	r.HandleFunc(PathValidateToken, s.handleValidate).Methods(http.MethodPost)

	return r
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logging.Fields{
		"event": "http_listen",
		"addr":  s.server.Addr,
	}).Info("starting http server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server listen: %w", err)
	}

	s.logger.WithField("event", "http_stopped").Info("http server stopped")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if claims == nil {
		s.writeJSON(w, http.StatusUnauthorized, envelope{Message: "authentication required", Code: CodeUnauthorized})
		return
	}

	issued, err := s.issuer.Issue(r.Context(), claims.Subject, claims.role())
	if err != nil {
		s.logger.WithFields(logging.Fields{
			"event":      "http_generate_token",
			"account_id": claims.Subject,
		}).WithError(err).Error("failed to issue connection token")
		s.writeJSON(w, http.StatusInternalServerError, envelope{Message: "could not generate token", Code: CodeInternal})
		return
	}

	s.writeJSON(w, http.StatusOK, envelope{Success: true, Message: "connection token generated", Data: issued})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, envelope{Message: "invalid request body", Code: CodeBadRequest})
		return
	}
	if req.TelegramID == 0 || req.ConnectionToken == "" {
		s.writeJSON(w, http.StatusBadRequest, envelope{Message: "telegramId and connectionToken are required", Code: CodeBadRequest})
		return
	}

	profile, err := s.redeemer.Redeem(r.Context(), int64(req.TelegramID), req.ConnectionToken)
	if err != nil {
		status, code, msg := redeemFailure(err)
		if status >= http.StatusInternalServerError {
			s.logger.WithFields(logging.Fields{
				"event":   "http_validate_token",
				"chat_id": int64(req.TelegramID),
			}).WithError(err).Error("token redemption failed")
		}
		s.writeJSON(w, status, envelope{Message: msg, Code: code})
		return
	}

	s.writeJSON(w, http.StatusOK, envelope{Success: true, Message: "telegram account connected", Data: profile})
}

func redeemFailure(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrAlreadyConnected):
		return http.StatusConflict, CodeAlreadyConnected, "this telegram account is already connected"
	case errors.Is(err, domain.ErrTokenExpired):
		return http.StatusBadRequest, CodeTokenExpired, "connection token has expired"
	case errors.Is(err, domain.ErrInvalidToken):
		return http.StatusBadRequest, CodeInvalidToken, "invalid connection token"
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, CodeAccountNotFound, "account not found"
	default:
		return http.StatusInternalServerError, CodeInternal, "could not validate token"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	mongoStatus := "ok"

	if s.mongo == nil {
		mongoStatus = "error"
		s.logger.WithField("event", "health_mongo_missing").Warn("mongo checker is not configured for health endpoint")
	} else {
		pingCtx, cancel := context.WithTimeout(r.Context(), mongoPingTimeout)
		err := s.mongo.Ping(pingCtx)
		cancel()

		if err != nil {
			mongoStatus = "error"
			s.logger.WithField("event", "health_mongo_error").WithError(err).Warn("mongo ping failed during health check")
		}
	}

	if mongoStatus != "ok" {
		resp.Status = "degraded"
		resp.Mongo = "error"
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithField("event", "http_write_error").WithError(err).Error("failed to encode response")
	}
}
