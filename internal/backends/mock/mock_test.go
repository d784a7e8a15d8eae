package mock

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/quorixlabs/infergate/internal/backends"
)

func chatRequest(model, userMsg string) *backends.Request {
	return &backends.Request{
		RequestID: "req-test",
		Model:     model,
		Messages: []backends.Message{
			{Role: backends.RoleSystem, Content: "You are terse."},
			{Role: backends.RoleUser, Content: userMsg},
		},
		MaxTokens:   256,
		Temperature: 0.7,
		TopP:        1.0,
	}
}

func TestExecuteChatDeterministic(t *testing.T) {
	b := New("mock-0", WithChunkDelay(0))

	first, err := b.ExecuteChat(context.Background(), chatRequest("mock-1", "hello there"))
	if err != nil {
		t.Fatalf("ExecuteChat: %v", err)
	}
	second, err := b.ExecuteChat(context.Background(), chatRequest("mock-1", "hello there"))
	if err != nil {
		t.Fatalf("ExecuteChat: %v", err)
	}

	want := "Mock response for model mock-1: hello there"
	if first.Text != want {
		t.Errorf("Text = %q, want %q", first.Text, want)
	}
	if first.Text != second.Text {
		t.Errorf("identical requests diverged: %q vs %q", first.Text, second.Text)
	}
	if first.FinishReason != backends.FinishStop {
		t.Errorf("FinishReason = %q", first.FinishReason)
	}
	if first.CompletionTokens != len(strings.Fields(want)) {
		t.Errorf("CompletionTokens = %d, want word count %d", first.CompletionTokens, len(strings.Fields(want)))
	}
	if first.PromptTokens == 0 {
		t.Error("PromptTokens = 0, want prompt word count")
	}
}

func TestExecuteChatUsesLastUserMessage(t *testing.T) {
	b := New("mock-0", WithChunkDelay(0))
	req := chatRequest("mock-1", "first question")
	req.Messages = append(req.Messages,
		backends.Message{Role: backends.RoleAssistant, Content: "an answer"},
		backends.Message{Role: backends.RoleUser, Content: "second question"},
	)

	resp, err := b.ExecuteChat(context.Background(), req)
	if err != nil {
		t.Fatalf("ExecuteChat: %v", err)
	}
	if !strings.HasSuffix(resp.Text, ": second question") {
		t.Errorf("Text = %q, want suffix from the last user turn", resp.Text)
	}
}

func TestStreamChatReassemblesToUnaryText(t *testing.T) {
	b := New("mock-0", WithChunkDelay(0))
	req := chatRequest("mock-1", "stream me please")

	unary, err := b.ExecuteChat(context.Background(), req)
	if err != nil {
		t.Fatalf("ExecuteChat: %v", err)
	}

	ch, err := b.StreamChat(context.Background(), req)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	var sb strings.Builder
	finish := ""
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Err)
		}
		sb.WriteString(chunk.Delta)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	if sb.String() != unary.Text {
		t.Errorf("stream reassembly = %q, want %q", sb.String(), unary.Text)
	}
	if finish != backends.FinishStop {
		t.Errorf("terminal FinishReason = %q, want %q", finish, backends.FinishStop)
	}
}

func TestStreamChatPacing(t *testing.T) {
	b := New("mock-0", WithChunkDelay(10*time.Millisecond))
	req := chatRequest("mock-1", "a b c")

	start := time.Now()
	ch, err := b.StreamChat(context.Background(), req)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	n := 0
	for range ch {
		n++
	}
	elapsed := time.Since(start)

	// "Mock response for model mock-1: a b c" is 8 words plus the terminal
	// chunk, each preceded by a 10ms pause except the terminal.
	if n != 9 {
		t.Errorf("chunk count = %d, want 9", n)
	}
	if elapsed < 70*time.Millisecond {
		t.Errorf("stream finished in %v, want pacing of at least 80ms", elapsed)
	}
}

func TestStreamChatStopsOnCancel(t *testing.T) {
	b := New("mock-0", WithChunkDelay(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.StreamChat(ctx, chatRequest("mock-1", strings.Repeat("word ", 200)))
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	<-ch
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // closed without a terminal chunk, a clean abort
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestHealthCheck(t *testing.T) {
	b := New("mock-0")
	if err := b.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.HealthCheck(ctx); err == nil {
		t.Fatal("HealthCheck with canceled context should fail")
	}
}

func TestBackendInterface(t *testing.T) {
	var _ backends.Backend = New("mock-0")
}
