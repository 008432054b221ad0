// Package runtime executes TaskGraph runs: topological node scheduling with
// retry, timeout and cancellation, durable per-run state and events, and the
// start/status/cancel API surface.
package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/haasonsaas/amon/internal/llm"
	"github.com/haasonsaas/amon/internal/taskgraph"
)

// Error kinds surfaced by node execution.
var (
	ErrExtractionFailed = errors.New("extraction failed")
	ErrValidationFailed = errors.New("validation failed")
	ErrExecutionFailed  = errors.New("execution failed")
	ErrTimeout          = errors.New("timeout exceeded")
	ErrCanceled         = errors.New("run canceled")
)

// GenerateFunc produces the raw text for one LLM attempt.
type GenerateFunc func(messages []llm.Message) (string, error)

// NodeExecutor owns the retry loop around a single node's LLM call: backoff,
// repair-prompt injection, output extraction/validation, rate limiting, and
// numeric anomaly warnings. It does not own transport, cancellation, or the
// filesystem.
type NodeExecutor struct {
	sleep           func(time.Duration)
	monotonic       func() time.Time
	minCallInterval time.Duration
	lastCallAt      time.Time
	called          bool
}

// ExecutorOption configures a NodeExecutor.
type ExecutorOption func(*NodeExecutor)

// WithSleep overrides the backoff sleeper for tests.
func WithSleep(sleep func(time.Duration)) ExecutorOption {
	return func(e *NodeExecutor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithMonotonic overrides the monotonic clock for tests.
func WithMonotonic(clock func() time.Time) ExecutorOption {
	return func(e *NodeExecutor) {
		if clock != nil {
			e.monotonic = clock
		}
	}
}

// WithMinCallInterval spaces out successive LLM calls.
func WithMinCallInterval(interval time.Duration) ExecutorOption {
	return func(e *NodeExecutor) {
		if interval > 0 {
			e.minCallInterval = interval
		}
	}
}

// NewNodeExecutor creates an executor with the real clock.
func NewNodeExecutor(opts ...ExecutorOption) *NodeExecutor {
	e := &NodeExecutor{
		sleep:     time.Sleep,
		monotonic: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunLLMWithRetry attempts the node call up to retry.MaxAttempts times. On an
// extraction or validation failure it sleeps retry.BackoffS, appends a
// [repair_error] user message carrying the failure, and retries. Any other
// error propagates immediately. The final failing attempt wraps as
// ErrExecutionFailed.
func (e *NodeExecutor) RunLLMWithRetry(
	generate GenerateFunc,
	baseMessages []llm.Message,
	output taskgraph.NodeOutput,
	retry taskgraph.NodeRetry,
	onRetry func(attempt int, reason string),
	onWarning func(warning map[string]any),
) (string, any, error) {
	attempts := retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		e.applyRateLimit()

		messages := append([]llm.Message(nil), baseMessages...)
		if lastErr != nil {
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: fmt.Sprintf("[repair_error]\n%v", lastErr),
			})
		}

		text, err := generate(messages)
		if err != nil {
			return "", nil, err
		}

		extracted, err := ExtractOutput(text, output.Type)
		if err == nil {
			err = ValidateOutput(extracted, output)
		}
		if err == nil {
			if onWarning != nil {
				for _, warning := range NumericAnomalies(extracted) {
					onWarning(warning)
				}
			}
			return text, extracted, nil
		}
		if !errors.Is(err, ErrExtractionFailed) && !errors.Is(err, ErrValidationFailed) {
			return "", nil, err
		}

		lastErr = err
		if attempt >= attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err.Error())
		}
		if retry.BackoffS > 0 {
			e.sleep(time.Duration(retry.BackoffS * float64(time.Second)))
		}
	}

	return "", nil, fmt.Errorf("%w: after %d attempts: %v", ErrExecutionFailed, attempts, lastErr)
}

func (e *NodeExecutor) applyRateLimit() {
	now := e.monotonic()
	if e.called && e.minCallInterval > 0 {
		elapsed := now.Sub(e.lastCallAt)
		if remaining := e.minCallInterval - elapsed; remaining > 0 {
			e.sleep(remaining)
			now = e.monotonic()
		}
	}
	e.called = true
	e.lastCallAt = now
}

// ExtractOutput coerces raw text into the node's declared output type. For
// "json" it tries a strict decode, then the first {…} or […] span; anything
// else passes the text through untouched.
func ExtractOutput(text, outputType string) (any, error) {
	if outputType != taskgraph.OutputJSON {
		return text, nil
	}

	var value any
	if err := json.Unmarshal([]byte(text), &value); err == nil {
		return value, nil
	}

	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(text, pair[0])
		end := strings.LastIndexByte(text, pair[1])
		if start == -1 || end == -1 || end <= start {
			continue
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &value); err == nil {
			return value, nil
		}
	}

	return nil, fmt.Errorf("%w: json extraction failed, length=%d", ErrExtractionFailed, len(text))
}

// ValidateOutput checks the extracted value against the node's output schema:
// required_keys verifies map membership; the types map checks individual keys
// against the JSON type names, passing unknown aliases through.
func ValidateOutput(value any, output taskgraph.NodeOutput) error {
	if output.Schema == nil {
		return nil
	}

	if required, ok := output.Schema["required_keys"].([]any); ok && required != nil {
		payload, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: required_keys needs object output", ErrValidationFailed)
		}
		var missing []string
		for _, item := range required {
			key, ok := item.(string)
			if !ok {
				continue
			}
			if _, present := payload[key]; !present {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: missing required keys: %v", ErrValidationFailed, missing)
		}
	}

	if types, ok := output.Schema["types"].(map[string]any); ok && types != nil {
		payload, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: types validation needs object output", ErrValidationFailed)
		}
		for key, expectedRaw := range types {
			item, present := payload[key]
			if !present {
				continue
			}
			expected, ok := expectedRaw.(string)
			if !ok {
				continue
			}
			if !matchesJSONType(item, expected) {
				return fmt.Errorf("%w: type mismatch for key %q: expected %s", ErrValidationFailed, key, expected)
			}
		}
	}

	return nil
}

func matchesJSONType(value any, expected string) bool {
	switch normalizeTypeName(expected) {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		v, ok := value.(float64)
		return ok && v == math.Trunc(v)
	case "number":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}

func normalizeTypeName(expected string) string {
	switch strings.ToLower(strings.TrimSpace(expected)) {
	case "str", "string":
		return "string"
	case "int", "integer":
		return "integer"
	case "bool", "boolean":
		return "boolean"
	default:
		return strings.ToLower(strings.TrimSpace(expected))
	}
}

// NumericAnomalies walks the extracted payload and reports every float that
// is NaN, infinite, or beyond 1e18 in magnitude. The warnings are non-fatal.
func NumericAnomalies(value any) []map[string]any {
	var warnings []map[string]any
	walkNumeric(value, "$", &warnings)
	return warnings
}

func walkNumeric(value any, path string, warnings *[]map[string]any) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > 1e18 {
			*warnings = append(*warnings, map[string]any{
				"event":  "numeric_anomaly_warning",
				"path":   path,
				"value":  fmt.Sprintf("%v", v),
				"reason": "nan_or_inf_or_out_of_bound",
			})
		}
	case map[string]any:
		for key, item := range v {
			walkNumeric(item, path+"."+key, warnings)
		}
	case []any:
		for i, item := range v {
			walkNumeric(item, fmt.Sprintf("%s[%d]", path, i), warnings)
		}
	}
}
