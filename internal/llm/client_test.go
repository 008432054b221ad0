package llm

import (
	"context"
	"errors"
	"testing"
)

func TestStaticClient_ReplaysInOrder(t *testing.T) {
	client := &StaticClient{Responses: []string{"first", "second"}}
	ctx := context.Background()

	for _, want := range []string{"first", "second", ""} {
		got, err := Collect(ctx, client, []Message{{Role: RoleUser, Content: "go"}}, "")
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		if got != want {
			t.Errorf("Collect() = %q, want %q", got, want)
		}
	}
}

func TestCollect_PropagatesStreamError(t *testing.T) {
	boom := errors.New("boom")
	client := ClientFunc(func(ctx context.Context, messages []Message, model string) (<-chan string, <-chan error) {
		tokens := make(chan string)
		errs := make(chan error, 1)
		close(tokens)
		errs <- boom
		close(errs)
		return tokens, errs
	})

	if _, err := Collect(context.Background(), client, nil, ""); !errors.Is(err, boom) {
		t.Errorf("Collect() error = %v, want boom", err)
	}
}

func TestCollect_Concatenates(t *testing.T) {
	client := ClientFunc(func(ctx context.Context, messages []Message, model string) (<-chan string, <-chan error) {
		tokens := make(chan string, 3)
		errs := make(chan error, 1)
		tokens <- "a"
		tokens <- "b"
		tokens <- "c"
		close(tokens)
		close(errs)
		return tokens, errs
	})

	got, err := Collect(context.Background(), client, nil, "")
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if got != "abc" {
		t.Errorf("Collect() = %q, want abc", got)
	}
}
