package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newTestSandboxClient(t *testing.T, baseURL string, timeout time.Duration) *sandboxClient {
	t.Helper()
	return &sandboxClient{
		log:        testLogger(t),
		baseURL:    baseURL,
		apiKey:     "sandbox-key",
		httpClient: &http.Client{Timeout: timeout},
	}
}

func TestSandboxClientExecute(t *testing.T) {
	spec := datatypes.JSON(`{"kind":"code_tests","test_cases":[{"input":"1","expected_output":"2"}]}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/execute", r.URL.Path)
		assert.Equal(t, "Bearer sandbox-key", r.Header.Get("Authorization"))

		var req sandboxRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "print(x + 1)", req.Submission)
		assert.JSONEq(t, string(spec), string(req.GradingSpec))

		_, _ = w.Write([]byte(`{"passed_cases":3,"total_cases":4,"raw_output":"ok"}`))
	}))
	defer server.Close()

	client := newTestSandboxClient(t, server.URL, 5*time.Second)
	result, err := client.Execute(context.Background(), spec, "print(x + 1)")
	require.NoError(t, err)
	assert.Equal(t, 3, result.PassedCases)
	assert.Equal(t, 4, result.TotalCases)
	assert.False(t, result.TimedOut)
	assert.InDelta(t, 0.75, result.Score(), 1e-9)
}

func TestSandboxClientTimeoutIsZeroScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	client := newTestSandboxClient(t, server.URL, 50*time.Millisecond)
	result, err := client.Execute(context.Background(), datatypes.JSON(`{}`), "while True: pass")
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.Zero(t, result.Score())
}

func TestSandboxClientGatewayTimeoutIsZeroScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer server.Close()

	client := newTestSandboxClient(t, server.URL, 5*time.Second)
	result, err := client.Execute(context.Background(), datatypes.JSON(`{}`), "x")
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.Zero(t, result.Score())
}

func TestSandboxClientServerErrorIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestSandboxClient(t, server.URL, 5*time.Second)
	_, err := client.Execute(context.Background(), datatypes.JSON(`{}`), "x")
	require.Error(t, err)
}

func TestSandboxResultScore(t *testing.T) {
	assert.Zero(t, (&SandboxResult{TotalCases: 0, PassedCases: 0}).Score())
	assert.Zero(t, (&SandboxResult{TotalCases: 4, PassedCases: 4, TimedOut: true}).Score())
	assert.Equal(t, 1.0, (&SandboxResult{TotalCases: 4, PassedCases: 4}).Score())
	assert.Equal(t, 1.0, (&SandboxResult{TotalCases: 2, PassedCases: 5}).Score())
	var nilResult *SandboxResult
	assert.Zero(t, nilResult.Score())
}
