package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPagination(t *testing.T) {
	tests := []struct {
		query     string
		page      int
		limit     int
		ok        bool
		errStatus int
	}{
		{"", 1, 20, true, 0},
		{"page=3&limit=50", 3, 50, true, 0},
		{"limit=500", 1, 100, true, 0},
		{"page=0", 0, 0, false, http.StatusBadRequest},
		{"limit=abc", 0, 0, false, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest("GET", "/?"+tt.query, nil)
			page, limit, ok := pagination(w, r)

			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.page, page)
			assert.Equal(t, tt.limit, limit)
			if !tt.ok {
				assert.Equal(t, tt.errStatus, w.Code)
			}
		})
	}
}

func TestDecodeBody_FieldNamesFromJSONTags(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"resource":"gpus","amount":0,"holder_id":"nope"}`))

	var req reserveRequest
	require.False(t, decodeBody(w, r, &req))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Details []struct {
				Field   string `json:"field"`
				Message string `json:"message"`
			} `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)

	got := map[string]string{}
	for _, d := range body.Error.Details {
		got[d.Field] = d.Message
	}
	assert.Equal(t, "Must be one of: users storage api_calls instances", got["resource"])
	assert.Equal(t, "Must be greater than 0", got["amount"])
	assert.Equal(t, "Invalid UUID format", got["holder_id"])
}

func TestDecodeBody_RejectsOversizedBody(t *testing.T) {
	big := `{"credential":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/", strings.NewReader(big))

	var req struct {
		Credential string `json:"credential" validate:"required"`
	}
	assert.False(t, decodeBody(w, r, &req))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecodeBody_Valid(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"metric_name":"requests","metric_value":0}`))

	var req recordMetricRequest
	require.True(t, decodeBody(w, r, &req))
	require.NotNil(t, req.Value)
	assert.Equal(t, 0.0, *req.Value)
}
