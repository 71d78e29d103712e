package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("Method not allowed", ErrorCodeInvalidRequest)

	assert.Equal(t, "error", resp.Error)
	assert.Equal(t, "Method not allowed", resp.Message)
	assert.Equal(t, ErrorCodeInvalidRequest, resp.Code)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestNewRateLimitExceededResponse(t *testing.T) {
	reset := time.Unix(1700000060, 0)
	resp := NewRateLimitExceededResponse(reset)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"error":"Too Many Requests","message":"Rate limit exceeded. Please try again later.","retry_after":1700000060}`,
		string(data))
}

func TestHealthCheckResponse_AddComponent(t *testing.T) {
	resp := NewHealthCheckResponse(StatusHealthy)
	resp.AddComponent("storage", StatusHealthy, "ok")
	assert.Equal(t, StatusHealthy, resp.Status)

	resp.AddComponent("redis", StatusDegraded, "slow")
	assert.Equal(t, StatusDegraded, resp.Status)

	resp.AddComponent("database", StatusUnhealthy, "down")
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Len(t, resp.Components, 3)
}

func TestTwoFactorEnableResponse_Shape(t *testing.T) {
	resp := TwoFactorEnableResponse{
		Message:     TwoFactorEnableMessage,
		BackupCodes: []string{"abcd1234"},
		Warning:     TwoFactorEnableWarning,
	}
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "2FA enabled successfully", decoded["message"])
	assert.Contains(t, decoded, "backup_codes")
	assert.Contains(t, decoded, "warning")
}

func TestNewRateLimitUnavailableResponse(t *testing.T) {
	data, err := json.Marshal(NewRateLimitUnavailableResponse())
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"error":"Service Unavailable","message":"Rate limiting is temporarily unavailable."}`,
		string(data))
}
