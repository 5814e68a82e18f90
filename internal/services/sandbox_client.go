package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
)

// SandboxClient is the isolated execution collaborator that runs learner
// submissions against a problem's grading spec. Submissions are untrusted
// input end to end; the engine only ships them across and normalizes the
// result. A sandbox timeout is a score of zero, not an error.
type SandboxClient interface {
	Execute(ctx context.Context, gradingSpec datatypes.JSON, submission string) (*SandboxResult, error)
}

type SandboxResult struct {
	PassedCases int    `json:"passed_cases"`
	TotalCases  int    `json:"total_cases"`
	RawOutput   string `json:"raw_output"`
	TimedOut    bool   `json:"timed_out"`
}

// Score normalizes the sandbox outcome to [0,1].
func (r *SandboxResult) Score() float64 {
	if r == nil || r.TimedOut || r.TotalCases <= 0 {
		return 0
	}
	score := float64(r.PassedCases) / float64(r.TotalCases)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

type sandboxClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewSandboxClient(log *logger.Logger) (SandboxClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("SANDBOX_BASE_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("missing SANDBOX_BASE_URL")
	}

	timeoutSec := 30
	if v := os.Getenv("SANDBOX_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	return &sandboxClient{
		log:        log.With("service", "SandboxClient"),
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("SANDBOX_API_KEY")),
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

type sandboxRequest struct {
	GradingSpec json.RawMessage `json:"grading_spec"`
	Submission  string          `json:"submission"`
}

func (c *sandboxClient) Execute(ctx context.Context, gradingSpec datatypes.JSON, submission string) (*SandboxResult, error) {
	body := sandboxRequest{
		GradingSpec: json.RawMessage(gradingSpec),
		Submission:  submission,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/execute", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isSandboxTimeout(err) {
			c.log.Warn("sandbox execution timed out")
			return &SandboxResult{TimedOut: true, RawOutput: "execution timed out"}, nil
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout {
		c.log.Warn("sandbox reported timeout", "status", resp.StatusCode)
		return &SandboxResult{TimedOut: true, RawOutput: "execution timed out"}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sandbox http %d: %s", resp.StatusCode, string(raw))
	}

	var result SandboxResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("sandbox decode error: %w; raw=%s", err, string(raw))
	}
	return &result, nil
}

func isSandboxTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
