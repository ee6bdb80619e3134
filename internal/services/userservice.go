package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/franzego/teleconsult/internal/models"
	"github.com/franzego/teleconsult/pkg/circuitbreaker"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUserNotFound is returned when the directory has no such user.
var ErrUserNotFound = errors.New("user not found")

// UserServiceClient looks up contact details in the user directory.
type UserServiceClient struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	mockMode   bool
	logger     *zap.Logger
}

func NewUserServiceClient(baseURL string, mockMode bool, logger *zap.Logger) *UserServiceClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserServiceClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		cb:       circuitbreaker.NewCircuitBreaker("user-service", logger),
		mockMode: mockMode,
		logger:   logger.With(zap.String("component", "user-service")),
	}
}

func (u *UserServiceClient) GetContact(ctx context.Context, userID string) (*models.Contact, error) {
	if u.mockMode {
		u.logger.Debug("Mock mode enabled: simulating contact lookup", zap.String("user_id", userID))
		return &models.Contact{UserID: userID, Email: userID + "@example.com"}, nil
	}
	result, err := u.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/users/%s", u.baseURL, userID), nil)
		if err != nil {
			return nil, err
		}

		resp, err := u.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrUserNotFound
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("user service returned status %d", resp.StatusCode)
		}

		var contact models.Contact
		if err := json.NewDecoder(resp.Body).Decode(&contact); err != nil {
			return nil, fmt.Errorf("decode user: %w", err)
		}
		contact.UserID = userID
		return &contact, nil
	})

	if err != nil {
		return nil, err
	}
	return result.(*models.Contact), nil
}
