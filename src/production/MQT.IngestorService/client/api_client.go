package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	config "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Config"
	ingestion "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Ingestion"
	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
)

// errRetryable marks failures worth another attempt: transport errors and
// storage failures reported by the API.
var errRetryable = errors.New("retryable")

// APIClient submits readings to the telemetry API over HTTP. It satisfies
// the ingestor's Ingester, so a relay can run next to the broker while the
// API owns storage and fan-out.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *logger.Logger
}

// NewAPIClient creates a new API client
func NewAPIClient(cfg config.RelayConfig, log *logger.Logger) *APIClient {
	return &APIClient{
		baseURL: cfg.APIBaseURL,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     log.WithComponent("api_client"),
	}
}

// rejectionBody is the error document the API answers a refused reading with.
type rejectionBody struct {
	Error    string           `json:"error"`
	Reason   ingestion.Reason `json:"reason"`
	DeviceID string           `json:"device_id"`
}

// retryWithBackoff executes a function with exponential backoff retry logic
func (c *APIClient) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err := operation()
		if err == nil || !errors.Is(err, errRetryable) {
			return err
		}
		lastErr = err

		// Don't retry on last attempt
		if attempt == c.maxRetries {
			break
		}

		delay := time.Duration(float64(c.retryDelay) * math.Pow(2, float64(attempt)))
		c.logger.Logger.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying API request")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// Ingest posts raw to the device's readings endpoint. Refusals come back as
// *ingestion.RejectionError carrying the API's reason code.
func (c *APIClient) Ingest(ctx context.Context, deviceID string, raw []byte) (ingestion.Ack, error) {
	var ack ingestion.Ack
	path := "/devices/" + url.PathEscape(deviceID) + "/readings"

	err := c.retryWithBackoff(ctx, func() error {
		resp, err := c.makeRequest(ctx, http.MethodPost, path, raw)
		if err != nil {
			return fmt.Errorf("%w: submit reading: %v", errRetryable, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: read response: %v", errRetryable, err)
		}

		if resp.StatusCode == http.StatusCreated {
			if err := json.Unmarshal(body, &ack); err != nil {
				return fmt.Errorf("failed to decode ack: %w", err)
			}
			return nil
		}

		rejection := decodeRejection(deviceID, resp.StatusCode, body)
		if rejection.Reason == ingestion.ReasonStorageFailure {
			return fmt.Errorf("%w: %w", errRetryable, rejection)
		}
		return rejection
	})
	if err != nil {
		var rejection *ingestion.RejectionError
		if errors.As(err, &rejection) {
			return ingestion.Ack{}, rejection
		}
		return ingestion.Ack{}, ingestion.NewRejection(ingestion.ReasonStorageFailure, deviceID, err.Error())
	}

	return ack, nil
}

func decodeRejection(deviceID string, status int, body []byte) *ingestion.RejectionError {
	var doc rejectionBody
	if err := json.Unmarshal(body, &doc); err != nil || doc.Reason == "" {
		return ingestion.NewRejection(ingestion.ReasonStorageFailure, deviceID,
			fmt.Sprintf("API returned status %d", status))
	}
	if doc.DeviceID == "" {
		doc.DeviceID = deviceID
	}
	return ingestion.NewRejection(doc.Reason, doc.DeviceID, doc.Error)
}

// makeRequest makes an HTTP request to the API Service
func (c *APIClient) makeRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "telemetry-mqtt-relay")

	return c.httpClient.Do(req)
}

// Health checks if the API Service is healthy
func (c *APIClient) Health(ctx context.Context) error {
	resp, err := c.makeRequest(ctx, http.MethodGet, "/health/live", nil)
	if err != nil {
		return fmt.Errorf("failed to check API health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API health check failed with status %d", resp.StatusCode)
	}

	return nil
}
