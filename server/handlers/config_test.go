package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nomis52/thingserver/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type mockConfigProvider struct {
	config *config.Config
}

func (m *mockConfigProvider) Config() *config.Config {
	return m.config
}

func TestConfigHandler(t *testing.T) {
	cfg := &config.Config{
		Listener: config.ListenerConfig{Addr: ":9090"},
		Things: []config.ThingConfig{
			{Path: "/stage/", Type: config.ThingTypeStage, Options: config.ThingOptions{MaxPosition: 100}},
			{Path: "/host/", Type: config.ThingTypeShell, Options: config.ThingOptions{
				Host:     "10.0.0.5",
				User:     "lab",
				Password: "hunter2",
			}},
		},
	}

	provider := &mockConfigProvider{config: cfg}
	handler := NewConfigHandler(provider)

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/yaml", w.Header().Get("Content-Type"))
	assert.NotContains(t, w.Body.String(), "hunter2")

	var resp config.Config
	err := yaml.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)

	assert.Equal(t, ":9090", resp.Listener.Addr)
	require.Len(t, resp.Things, 2)
	assert.Equal(t, "10.0.0.5", resp.Things[1].Options.Host)
	assert.Equal(t, "REDACTED", resp.Things[1].Options.Password)
}
