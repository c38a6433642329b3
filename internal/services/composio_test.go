package services

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBrokerURL = "https://broker.test/api/v3"

func newTestComposioService(t *testing.T) *ComposioService {
	t.Helper()
	svc := NewComposioService(testBrokerURL, "test-key")
	httpmock.ActivateNonDefault(svc.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return svc
}

func registerListResponder(t *testing.T, body string) {
	t.Helper()
	httpmock.RegisterResponder(http.MethodGet, testBrokerURL+"/connected_accounts",
		httpmock.NewStringResponder(http.StatusOK, body))
}

func TestActiveConnections_FiltersByStatus(t *testing.T) {
	svc := newTestComposioService(t)
	registerListResponder(t, `{"items": [
		{"id": "ca_1", "status": "ACTIVE", "auth_config_id": "ac_googlecalendar", "user_id": "U1"},
		{"id": "ca_2", "status": "INITIATED", "auth_config_id": "ac_slack", "user_id": "U1"},
		{"id": "ca_3", "status": "ACTIVE", "auth_config_id": "ac_linear", "user_id": "U1"}
	]}`)

	tools, ids, err := svc.ActiveConnections(context.Background(), "U1")
	require.NoError(t, err)

	assert.Equal(t, []string{"googlecalendar", "linear"}, tools)
	assert.Equal(t, map[string]string{"googlecalendar": "ca_1", "linear": "ca_3"}, ids)
	assert.NotContains(t, tools, "slack", "an INITIATED record must not surface as connected")
}

func TestActiveConnections_SkipsUnknownAuthConfigs(t *testing.T) {
	svc := newTestComposioService(t)
	registerListResponder(t, `{"items": [
		{"id": "ca_1", "status": "ACTIVE", "auth_config_id": "ac_mystery", "user_id": "U1"}
	]}`)

	tools, ids, err := svc.ActiveConnections(context.Background(), "U1")
	require.NoError(t, err)
	assert.Empty(t, tools)
	assert.Empty(t, ids)
}

func TestInitiateConnection_NewConnection(t *testing.T) {
	svc := newTestComposioService(t)
	registerListResponder(t, `{"items": []}`)
	httpmock.RegisterResponder(http.MethodPost, testBrokerURL+"/connected_accounts",
		httpmock.NewStringResponder(http.StatusOK,
			`{"id": "req_123", "redirect_url": "https://auth.example.com/start"}`))

	result, err := svc.InitiateConnection(context.Background(), "U1", "slack")
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.com/start", result.RedirectURL)
	assert.Equal(t, "req_123", result.RequestID)
	assert.False(t, result.AlreadyConnected)
}

func TestInitiateConnection_ReusesExistingActiveConnection(t *testing.T) {
	svc := newTestComposioService(t)
	registerListResponder(t, `{"items": [
		{"id": "ca_9", "status": "ACTIVE", "auth_config_id": "ac_slack", "user_id": "U1"}
	]}`)

	result, err := svc.InitiateConnection(context.Background(), "U1", "slack")
	require.NoError(t, err)

	assert.True(t, result.AlreadyConnected)
	assert.Equal(t, "ca_9", result.ConnectionID)
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "no initiate request should reach the broker")
}

func TestInitiateConnection_UnknownTool(t *testing.T) {
	svc := newTestComposioService(t)

	_, err := svc.InitiateConnection(context.Background(), "U1", "jira")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestGetConnection(t *testing.T) {
	svc := newTestComposioService(t)
	httpmock.RegisterResponder(http.MethodGet, testBrokerURL+"/connected_accounts/ca_1",
		httpmock.NewStringResponder(http.StatusOK,
			`{"id": "ca_1", "status": "ACTIVE", "auth_config_id": "ac_slack", "user_id": "U1"}`))

	conn, err := svc.GetConnection(context.Background(), "ca_1")
	require.NoError(t, err)

	assert.Equal(t, "ca_1", conn.ID)
	assert.True(t, conn.Active())
}

func TestDeleteConnection_NotFound(t *testing.T) {
	svc := newTestComposioService(t)
	httpmock.RegisterResponder(http.MethodDelete, testBrokerURL+"/connected_accounts/ca_gone",
		httpmock.NewStringResponder(http.StatusNotFound, `{"error": "not found"}`))

	err := svc.DeleteConnection(context.Background(), "ca_gone")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestListConnections_BrokerError(t *testing.T) {
	svc := newTestComposioService(t)
	registerListResponder(t, "")
	httpmock.RegisterResponder(http.MethodGet, testBrokerURL+"/connected_accounts",
		httpmock.NewStringResponder(http.StatusInternalServerError, `{"error": "boom"}`))

	_, err := svc.ListConnections(context.Background(), "U1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestToolAuthConfigTable(t *testing.T) {
	for _, tool := range KnownTools() {
		id, ok := AuthConfigForTool(tool)
		require.True(t, ok)

		back, ok := ToolForAuthConfig(id)
		require.True(t, ok)
		assert.Equal(t, tool, back)
	}

	_, ok := AuthConfigForTool("jira")
	assert.False(t, ok)
}
