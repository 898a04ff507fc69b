package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/pipelined/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("PIPELINED_LLM_BASE_URL", "http://127.0.0.1:1/v1")
	t.Setenv("PIPELINED_VECTORSTORE_PROVIDER", "none")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNewApp(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	assert.Len(t, a.orchestrator.Agents(), 3)
	assert.Nil(t, a.knowledge, "vectorstore provider none disables the knowledge index")
	assert.Nil(t, a.nc)
	assert.NotNil(t, a.redactor)
	assert.NotNil(t, a.fetcher)
	assert.NotNil(t, a.tickets)
}

func TestNewApp_UnreachableNATSDegrades(t *testing.T) {
	cfg := testConfig(t)
	cfg.NATS.URL = "nats://127.0.0.1:1"
	cfg.RepoContext.Redact = false

	a, err := newApp(context.Background(), cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.nc)
	assert.Nil(t, a.redactor)
}

func TestNewApp_RequiresLLMKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.BaseURL = ""
	cfg.LLM.APIKey = ""

	_, err := newApp(context.Background(), cfg, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRun_ServesHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	port := freePort(t)
	t.Setenv("PIPELINED_SERVER_PORT", fmt.Sprint(port))
	t.Setenv("PIPELINED_LLM_BASE_URL", "http://127.0.0.1:1/v1")
	t.Setenv("PIPELINED_VECTORSTORE_PROVIDER", "none")
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, configPath, false)
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shutdown in time")
	}
}
