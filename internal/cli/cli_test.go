package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/servicebus/config"
)

const statusJSON = `{"bus":{"state":"running","queued":3,"services":["admin","orchestration"]},"sensors":["clearnet"]}`

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()

	names := []string{}
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "status", "top"}, names)
	assert.True(t, root.SilenceUsage)
}

func TestPrintStatus(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  string
	}{
		{"whole document", "", "\"state\": \"running\""},
		{"number", "$.bus.queued", "3\n"},
		{"string", "$.bus.state", "running\n"},
		{"array", "$.sensors", "[\n  \"clearnet\"\n]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, printStatus(&out, []byte(statusJSON), tc.query))
			assert.Contains(t, out.String(), tc.want)
		})
	}
}

func TestPrintStatusErrors(t *testing.T) {
	var out bytes.Buffer
	assert.ErrorContains(t, printStatus(&out, []byte("not json"), ""), "not valid JSON")
	assert.ErrorContains(t, printStatus(&out, []byte(statusJSON), "$.bus.missing"), "$.bus.missing")
	assert.Error(t, printStatus(&out, []byte(statusJSON), "$[?("))
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(statusJSON))
	}))
	defer srv.Close()

	body, err := fetchStatus(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	assert.JSONEq(t, statusJSON, string(body))

	_, err = fetchStatus(context.Background(), srv.Client(), srv.URL+"/nope")
	assert.ErrorContains(t, err, "404")
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", baseURL("127.0.0.1:8080"))
	assert.Equal(t, "https://bus.example", baseURL("https://bus.example/"))
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	env := map[string]string{
		"SERVICEBUS_LOG_LEVEL":   "debug",
		"SERVICEBUS_BUS_WORKERS": "1",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := loadConfig("", lookup)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 1, cfg.Bus.Workers)

	env["SERVICEBUS_LOG_LEVEL"] = "loud"
	_, err = loadConfig("", lookup)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Bus.Workers = 1
	cfg.Bus.MaxWorkers = 1
	cfg.Bus.DispatchInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Orchestration.DrainInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Log.Format = "json"
	return cfg
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var logs bytes.Buffer

	done := make(chan error, 1)
	go func() { done <- serve(ctx, testConfig(), &logs) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServeReportsAdminAPIFailure(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.Listen = "256.0.0.1:-1"

	var logs bytes.Buffer
	err := serve(context.Background(), cfg, &logs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin api")
}
