package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/franzego/teleconsult/internal/models"
	"github.com/franzego/teleconsult/pkg/circuitbreaker"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// MeetingProviderClient provisions meetings on the external video provider.
type MeetingProviderClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	mockMode   bool
	logger     *zap.Logger
}

func NewMeetingProviderClient(baseURL, apiKey string, timeout time.Duration, mockMode bool, logger *zap.Logger) *MeetingProviderClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MeetingProviderClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb:       circuitbreaker.NewCircuitBreaker("meeting-provider", logger),
		mockMode: mockMode,
		logger:   logger.With(zap.String("component", "meeting-provider")),
	}
}

type createMeetingBody struct {
	Topic    string `json:"topic"`
	Type     int    `json:"type"`
	Duration int    `json:"duration"`
}

type createMeetingResponse struct {
	ID       json.Number `json:"id"`
	Topic    string      `json:"topic"`
	JoinURL  string      `json:"join_url"`
	Password string      `json:"password"`
	StartURL string      `json:"start_url"`
}

func (m *MeetingProviderClient) CreateMeeting(ctx context.Context, topic string, durationMinutes int) (*models.MeetingHandle, error) {
	if m.mockMode {
		m.logger.Info("Mock mode enabled: simulating meeting creation")
		id := uuid.New().String()
		return &models.MeetingHandle{
			MeetingID: id,
			Topic:     topic,
			JoinURL:   fmt.Sprintf("https://meet.example.invalid/j/%s", id),
			StartURL:  fmt.Sprintf("https://meet.example.invalid/s/%s", id),
		}, nil
	}

	result, err := m.cb.Execute(func() (interface{}, error) {
		body, err := json.Marshal(createMeetingBody{Topic: topic, Type: 2, Duration: durationMinutes})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/meetings", m.baseURL), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+m.apiKey)

		resp, err := m.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("meeting provider returned status %d", resp.StatusCode)
		}

		var out createMeetingResponse
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("decode meeting response: %w", err)
		}
		if out.JoinURL == "" {
			return nil, fmt.Errorf("meeting provider returned no join url")
		}
		return &models.MeetingHandle{
			MeetingID: out.ID.String(),
			Topic:     out.Topic,
			JoinURL:   out.JoinURL,
			Password:  out.Password,
			StartURL:  out.StartURL,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.MeetingHandle), nil
}

// Ping reports whether the provider breaker currently admits requests.
func (m *MeetingProviderClient) Ping() bool {
	return m.mockMode || m.cb.State() != gobreaker.StateOpen
}
