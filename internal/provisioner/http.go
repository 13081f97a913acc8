package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// HTTPClient implements Provisioner against an external provisioning service.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new provisioner HTTP client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Name() string { return "http" }

func (c *HTTPClient) AssignEndpoint(ctx context.Context, inst *models.ServiceInstance) (string, error) {
	body, err := json.Marshal(assignRequest{
		InstanceID:    inst.ID,
		TenantID:      inst.TenantID,
		DefinitionID:  inst.DefinitionID,
		Name:          inst.Name,
		Configuration: inst.Configuration,
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	u := fmt.Sprintf("%s/v1/endpoints", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: status %d", ErrProvisionerUnavailable, resp.StatusCode)
	}

	var out assignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if out.EndpointURL == "" {
		return "", fmt.Errorf("%w: empty endpoint_url", ErrInvalidResponse)
	}
	return out.EndpointURL, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrProvisionerTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrProvisionerTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrProvisionerUnavailable, err)
}

type assignRequest struct {
	InstanceID    uuid.UUID       `json:"instance_id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	DefinitionID  uuid.UUID       `json:"definition_id"`
	Name          string          `json:"name"`
	Configuration json.RawMessage `json:"configuration"`
}

type assignResponse struct {
	EndpointURL string `json:"endpoint_url"`
}

// Compile-time check that HTTPClient implements Provisioner.
var _ Provisioner = (*HTTPClient)(nil)
