package provisioner_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/config"
	"github.com/kiranshivaraju/controlplane/internal/provisioner"
	"github.com/kiranshivaraju/controlplane/internal/provisioner/mock"
	"github.com/kiranshivaraju/controlplane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInstance() *models.ServiceInstance {
	return &models.ServiceInstance{
		ID:            uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		TenantID:      uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		DefinitionID:  uuid.New(),
		Name:          "Orders-DB",
		Configuration: json.RawMessage(`{"version":"16"}`),
		Status:        models.InstanceStatusProvisioning,
	}
}

// --- HTTP client ---

func TestHTTPClient_AssignEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/endpoints", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Orders-DB", body["name"])
		assert.Equal(t, "11111111-1111-1111-1111-111111111111", body["instance_id"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"endpoint_url": "https://orders.example.net"})
	}))
	defer ts.Close()

	c := provisioner.NewHTTPClient(ts.URL+"/", 5*time.Second)
	url, err := c.AssignEndpoint(context.Background(), sampleInstance())
	require.NoError(t, err)
	assert.Equal(t, "https://orders.example.net", url)
}

func TestHTTPClient_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := provisioner.NewHTTPClient(ts.URL, 5*time.Second)
	_, err := c.AssignEndpoint(context.Background(), sampleInstance())
	assert.ErrorIs(t, err, provisioner.ErrProvisionerUnavailable)
}

func TestHTTPClient_EmptyEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"endpoint_url":""}`))
	}))
	defer ts.Close()

	c := provisioner.NewHTTPClient(ts.URL, 5*time.Second)
	_, err := c.AssignEndpoint(context.Background(), sampleInstance())
	assert.ErrorIs(t, err, provisioner.ErrInvalidResponse)
}

func TestHTTPClient_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	c := provisioner.NewHTTPClient(ts.URL, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.AssignEndpoint(ctx, sampleInstance())
	assert.ErrorIs(t, err, provisioner.ErrProvisionerTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPClient_Unreachable(t *testing.T) {
	c := provisioner.NewHTTPClient("http://127.0.0.1:1", time.Second)
	_, err := c.AssignEndpoint(context.Background(), sampleInstance())
	assert.ErrorIs(t, err, provisioner.ErrProvisionerUnavailable)
}

// --- Template ---

func TestTemplate_AssignEndpoint(t *testing.T) {
	p := provisioner.NewTemplate("https://{name}.{tenant}.svc.local/{id}")
	url, err := p.AssignEndpoint(context.Background(), sampleInstance())
	require.NoError(t, err)
	assert.Equal(t,
		"https://orders-db.22222222-2222-2222-2222-222222222222.svc.local/11111111-1111-1111-1111-111111111111",
		url)
}

func TestTemplate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := provisioner.NewTemplate("x").AssignEndpoint(ctx, sampleInstance())
	assert.ErrorIs(t, err, context.Canceled)
}

// --- Factory ---

func TestNew_Template(t *testing.T) {
	p, err := provisioner.New(config.ProvisionerConfig{Mode: "template", EndpointTemplate: "https://{name}"})
	require.NoError(t, err)
	assert.Equal(t, "template", p.Name())
}

func TestNew_HTTP(t *testing.T) {
	p, err := provisioner.New(config.ProvisionerConfig{Mode: "http", URL: "http://localhost:9000", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "http", p.Name())
}

func TestNew_Unknown(t *testing.T) {
	_, err := provisioner.New(config.ProvisionerConfig{Mode: "terraform"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terraform")
}

// --- Mock ---

func TestMock_Defaults(t *testing.T) {
	p := mock.NewProvisioner()
	inst := sampleInstance()
	url, err := p.AssignEndpoint(context.Background(), inst)
	require.NoError(t, err)
	assert.Contains(t, url, inst.ID.String())
	assert.Equal(t, int64(1), p.Calls())
}

func TestMock_Failing(t *testing.T) {
	boom := errors.New("boom")
	_, err := mock.NewFailingProvisioner(boom).AssignEndpoint(context.Background(), sampleInstance())
	assert.ErrorIs(t, err, boom)
}

func TestMock_TimeoutHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mock.NewTimeoutProvisioner().AssignEndpoint(ctx, sampleInstance())
	assert.ErrorIs(t, err, provisioner.ErrProvisionerTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
