package runtime

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/amon/internal/llm"
	"github.com/haasonsaas/amon/internal/taskgraph"
)

func noSleep(time.Duration) {}

func TestExtractOutput_PassThrough(t *testing.T) {
	value, err := ExtractOutput("plain text", taskgraph.OutputText)
	if err != nil || value != "plain text" {
		t.Errorf("ExtractOutput() = %v, %v", value, err)
	}
}

func TestExtractOutput_JSON(t *testing.T) {
	value, err := ExtractOutput(`{"ok": true}`, taskgraph.OutputJSON)
	if err != nil {
		t.Fatalf("ExtractOutput() error = %v", err)
	}
	payload := value.(map[string]any)
	if payload["ok"] != true {
		t.Errorf("payload = %v", payload)
	}
}

func TestExtractOutput_EmbeddedJSON(t *testing.T) {
	value, err := ExtractOutput("The answer is: {\"n\": 3} as requested", taskgraph.OutputJSON)
	if err != nil {
		t.Fatalf("ExtractOutput() error = %v", err)
	}
	if value.(map[string]any)["n"] != float64(3) {
		t.Errorf("value = %v", value)
	}

	array, err := ExtractOutput("list: [1,2,3] done", taskgraph.OutputJSON)
	if err != nil {
		t.Fatalf("ExtractOutput(array) error = %v", err)
	}
	if len(array.([]any)) != 3 {
		t.Errorf("array = %v", array)
	}
}

func TestExtractOutput_Failure(t *testing.T) {
	if _, err := ExtractOutput("no json here", taskgraph.OutputJSON); !errors.Is(err, ErrExtractionFailed) {
		t.Errorf("error = %v, want ErrExtractionFailed", err)
	}
}

func TestValidateOutput(t *testing.T) {
	output := taskgraph.NodeOutput{
		Type: taskgraph.OutputJSON,
		Schema: map[string]any{
			"required_keys": []any{"ok"},
			"types":         map[string]any{"ok": "boolean", "n": "integer"},
		},
	}

	if err := ValidateOutput(map[string]any{"ok": true, "n": float64(2)}, output); err != nil {
		t.Errorf("valid payload: %v", err)
	}
	if err := ValidateOutput(map[string]any{"n": float64(2)}, output); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("missing key: %v", err)
	}
	if err := ValidateOutput(map[string]any{"ok": "yes"}, output); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("type mismatch: %v", err)
	}
	if err := ValidateOutput("not a dict", output); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("non-object: %v", err)
	}

	// Unknown type aliases pass.
	loose := taskgraph.NodeOutput{
		Type:   taskgraph.OutputJSON,
		Schema: map[string]any{"types": map[string]any{"x": "exotic"}},
	}
	if err := ValidateOutput(map[string]any{"x": 1}, loose); err != nil {
		t.Errorf("unknown alias must pass: %v", err)
	}
}

func TestRunLLMWithRetry_RepairPrompt(t *testing.T) {
	executor := NewNodeExecutor(WithSleep(noSleep))
	var batches [][]llm.Message
	responses := []string{"oops", `{"ok": true}`}
	call := 0

	generate := func(messages []llm.Message) (string, error) {
		batches = append(batches, messages)
		response := responses[call]
		call++
		return response, nil
	}

	output := taskgraph.NodeOutput{
		Type:   taskgraph.OutputJSON,
		Schema: map[string]any{"required_keys": []any{"ok"}},
	}
	retry := taskgraph.NodeRetry{MaxAttempts: 2, BackoffS: 0.01}

	var retries int
	text, extracted, err := executor.RunLLMWithRetry(generate,
		[]llm.Message{{Role: llm.RoleUser, Content: "produce json"}},
		output, retry,
		func(attempt int, reason string) { retries++ },
		nil,
	)
	if err != nil {
		t.Fatalf("RunLLMWithRetry() error = %v", err)
	}
	if text != `{"ok": true}` {
		t.Errorf("text = %q", text)
	}
	if extracted.(map[string]any)["ok"] != true {
		t.Errorf("extracted = %v", extracted)
	}
	if retries != 1 {
		t.Errorf("retries = %d, want 1", retries)
	}
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	last := batches[1][len(batches[1])-1]
	if last.Role != llm.RoleUser || !strings.HasPrefix(last.Content, "[repair_error]") {
		t.Errorf("second batch missing repair message: %+v", last)
	}
}

func TestRunLLMWithRetry_SingleAttemptFails(t *testing.T) {
	executor := NewNodeExecutor(WithSleep(noSleep))
	attempts := 0
	generate := func(messages []llm.Message) (string, error) {
		attempts++
		return "garbage", nil
	}

	_, _, err := executor.RunLLMWithRetry(generate, nil,
		taskgraph.NodeOutput{Type: taskgraph.OutputJSON},
		taskgraph.NodeRetry{MaxAttempts: 1, BackoffS: 0.01},
		nil, nil,
	)
	if !errors.Is(err, ErrExecutionFailed) {
		t.Errorf("error = %v, want ErrExecutionFailed", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRunLLMWithRetry_GenerationErrorsDoNotRetry(t *testing.T) {
	executor := NewNodeExecutor(WithSleep(noSleep))
	boom := errors.New("transport down")
	attempts := 0
	generate := func(messages []llm.Message) (string, error) {
		attempts++
		return "", boom
	}

	_, _, err := executor.RunLLMWithRetry(generate, nil,
		taskgraph.NodeOutput{Type: taskgraph.OutputText},
		taskgraph.NodeRetry{MaxAttempts: 3, BackoffS: 0.01},
		nil, nil,
	)
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want transport error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestNumericAnomalies(t *testing.T) {
	payload := map[string]any{
		"fine":  1.5,
		"huge":  2e18,
		"items": []any{1.0, 1e19},
	}
	warnings := NumericAnomalies(payload)
	if len(warnings) != 2 {
		t.Errorf("warnings = %d, want 2: %v", len(warnings), warnings)
	}
}

func TestMinCallInterval(t *testing.T) {
	var slept []time.Duration
	base := time.Unix(1000, 0)
	clock := base
	executor := NewNodeExecutor(
		WithSleep(func(d time.Duration) { slept = append(slept, d) }),
		WithMonotonic(func() time.Time { return clock }),
		WithMinCallInterval(2*time.Second),
	)

	generate := func(messages []llm.Message) (string, error) { return "ok", nil }
	spec := taskgraph.NodeOutput{Type: taskgraph.OutputText}
	retrySpec := taskgraph.NodeRetry{MaxAttempts: 1, BackoffS: 1}

	if _, _, err := executor.RunLLMWithRetry(generate, nil, spec, retrySpec, nil, nil); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(500 * time.Millisecond)
	if _, _, err := executor.RunLLMWithRetry(generate, nil, spec, retrySpec, nil, nil); err != nil {
		t.Fatal(err)
	}

	if len(slept) != 1 || slept[0] != 1500*time.Millisecond {
		t.Errorf("slept = %v, want one 1.5s pause", slept)
	}
}
