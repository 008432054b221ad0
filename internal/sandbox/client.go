// Package sandbox speaks to the remote code runner over its typed HTTP
// contract. The runner itself is an external service; only the request and
// response shapes and path validation belong to the core.
package sandbox

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/store"
)

// Client errors.
var (
	ErrSandboxHTTP     = errors.New("sandbox runner http error")
	ErrSandboxProtocol = errors.New("sandbox runner protocol error")
)

// InputFile is one staged file sent to the runner. Path must validate as a
// relative workspace path.
type InputFile struct {
	Path       string `json:"path"`
	ContentB64 string `json:"content_b64"`
}

// OutputFile is one file returned by the runner.
type OutputFile struct {
	Path       string `json:"path"`
	ContentB64 string `json:"content_b64"`
}

// RunRequest is the POST /run payload.
type RunRequest struct {
	Language   string      `json:"language"`
	Code       string      `json:"code"`
	TimeoutS   int         `json:"timeout_s"`
	InputFiles []InputFile `json:"input_files"`
}

// RunResult is the POST /run response.
type RunResult struct {
	ExitCode    int          `json:"exit_code"`
	Stdout      string       `json:"stdout"`
	Stderr      string       `json:"stderr"`
	DurationMS  int64        `json:"duration_ms"`
	TimedOut    bool         `json:"timed_out"`
	OutputFiles []OutputFile `json:"output_files"`
}

// NewInputFile validates the path and encodes the content.
func NewInputFile(path string, content []byte) (InputFile, error) {
	safe, err := store.ValidateRelativePath(path)
	if err != nil {
		return InputFile{}, err
	}
	return InputFile{
		Path:       safe,
		ContentB64: base64.StdEncoding.EncodeToString(content),
	}, nil
}

// Client is the typed HTTP client for the sandbox runner.
type Client struct {
	baseURL    string
	timeout    time.Duration
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client from the sandbox.runner config block.
func NewClient(cfg config.SandboxRunnerConfig) *Client {
	timeout := time.Duration(cfg.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		timeout:    timeout,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout + 5*time.Second},
	}
}

// RunCode executes code remotely. Output file paths are validated before the
// result is handed back.
func (c *Client) RunCode(request RunRequest) (*RunResult, error) {
	if request.TimeoutS <= 0 {
		request.TimeoutS = int(c.timeout / time.Second)
	}
	if request.InputFiles == nil {
		request.InputFiles = []InputFile{}
	}
	for _, file := range request.InputFiles {
		if _, err := store.ValidateRelativePath(file.Path); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}
	httpRequest, err := http.NewRequest(http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build run request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSandboxHTTP, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrSandboxHTTP, response.StatusCode)
	}

	var result RunResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSandboxProtocol, err)
	}
	for _, file := range result.OutputFiles {
		if _, err := store.ValidateRelativePath(file.Path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSandboxProtocol, err)
		}
	}
	return &result, nil
}
