package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukex/runflow/pkg/cmd"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/testutil"
	"github.com/dukex/runflow/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	config := cmd.DefaultConfig()
	config.DatabaseURL = "file://" + t.TempDir()

	container, err := cmd.Build(t.Context(), config, cmd.RoleAPI, testutil.Logger())
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, container.Close(context.Background())) })
	require.NoError(t, container.Start(t.Context()))

	return NewAPI(testutil.Logger(), container.Persistence, container.Coordinator, container.Bus).App()
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	app := setupTestApp(t)

	status, body := get(t, app, "/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "runflow API", body)
}

func TestAPI_HealthCheck(t *testing.T) {
	app := setupTestApp(t)

	for _, path := range []string{"/livez", "/readyz"} {
		status, body := get(t, app, path)
		assert.Equal(t, http.StatusOK, status, path)
		assert.Equal(t, "OK", body, path)
	}
}

func TestAPI_RunCompletes(t *testing.T) {
	app := setupTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"message":"What is 2+2?"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started web.RunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))

	require.Eventually(t, func() bool {
		status, body := get(t, app, "/runs/"+started.RunID)
		if status != http.StatusOK {
			return false
		}

		var run models.RunState
		if err := json.Unmarshal([]byte(body), &run); err != nil {
			return false
		}

		return run.Outcome == models.OutcomeSuccess && run.OutputText == "The result is 4."
	}, 5*time.Second, 20*time.Millisecond)
}
