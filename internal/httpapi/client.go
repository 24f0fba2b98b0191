package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tg_member_bot/internal/domain"
	"tg_member_bot/internal/linking"
	"tg_member_bot/internal/logging"
)

// Client redeems tokens through the validate-token endpoint of a remote API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logrus.Entry
}

type validateBody struct {
	TelegramID      int64  `json:"telegramId"`
	ConnectionToken string `json:"connectionToken"`
}

type validateResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    linking.Profile `json:"data"`
}

// NewClient builds a Client for baseURL. Every request is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration, logger *logrus.Entry) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("validation api url is required")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be greater than 0")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// Redeem posts the token and maps the response onto domain errors. Anything
// that prevents a definite answer is reported as domain.ErrUpstream.
func (c *Client) Redeem(ctx context.Context, telegramID int64, token string) (linking.Profile, error) {
	if ctx == nil {
		return linking.Profile{}, errors.New("context is required")
	}

	payload, err := json.Marshal(validateBody{TelegramID: telegramID, ConnectionToken: strings.TrimSpace(token)})
	if err != nil {
		return linking.Profile{}, fmt.Errorf("encode validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PathValidateToken, bytes.NewReader(payload))
	if err != nil {
		return linking.Profile{}, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestID, uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return linking.Profile{}, fmt.Errorf("validate token: %w: %w", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return linking.Profile{}, fmt.Errorf("validate token: %w: status %d", domain.ErrUpstream, resp.StatusCode)
	}

	var body validateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return linking.Profile{}, fmt.Errorf("decode validate response: %w: %w", domain.ErrUpstream, err)
	}

	if body.Success && resp.StatusCode == http.StatusOK {
		c.logger.WithFields(logging.Fields{
			"event":   "token_redeemed_remote",
			"chat_id": telegramID,
		}).Info("connection token redeemed via api")
		return body.Data, nil
	}

	return linking.Profile{}, failureError(resp.StatusCode, body)
}

func failureError(status int, body validateResponse) error {
	switch body.Code {
	case CodeInvalidToken:
		return domain.ErrInvalidToken
	case CodeTokenExpired:
		return domain.ErrTokenExpired
	case CodeAlreadyConnected:
		return domain.ErrAlreadyConnected
	case CodeAccountNotFound:
		return domain.ErrAccountNotFound
	case CodeBadRequest, CodeUnauthorized, CodeInternal:
		return fmt.Errorf("validate token: %w: %s: %s", domain.ErrUpstream, body.Code, body.Message)
	}

	// Servers that predate the code field only tell us the status.
	switch status {
	case http.StatusConflict:
		return domain.ErrAlreadyConnected
	case http.StatusNotFound:
		return domain.ErrAccountNotFound
	case http.StatusBadRequest:
		return domain.ErrInvalidToken
	default:
		return fmt.Errorf("validate token: %w: status %d: %s", domain.ErrUpstream, status, body.Message)
	}
}
