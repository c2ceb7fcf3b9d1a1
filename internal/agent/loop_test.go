package agent

import (
	"context"
	"testing"
	"time"

	"github.com/textfortress/mailgw/internal/config"
	"github.com/textfortress/mailgw/internal/imap"
	"github.com/textfortress/mailgw/internal/llm"
	"github.com/textfortress/mailgw/internal/mcp"
	"github.com/textfortress/mailgw/internal/pool"
)

type fakeFactory struct{ session *imap.Fake }

func (f *fakeFactory) Create(ctx context.Context) (imap.Session, error)  { return f.session, nil }
func (f *fakeFactory) Validate(ctx context.Context, s imap.Session) bool { return true }

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MinConnections:      0,
		MaxConnections:      2,
		IdleTimeout:         time.Hour,
		HealthCheckInterval: time.Hour,
		AcquireTimeout:      time.Second,
	}
}

func newTestDispatcher(t *testing.T, session *imap.Fake) *mcp.Dispatcher {
	t.Helper()
	p := pool.New("acct1", &fakeFactory{session: session}, testPoolConfig(), nil)
	t.Cleanup(func() { p.Close() })
	return mcp.NewDispatcher(mcp.NewRegistry(), map[string]mcp.AccountPool{"acct1": p}, "acct1", nil)
}

// scriptedClient returns a fixed sequence of ChatResponse values, one
// per call, so a test can drive the executor through a known number
// of tool-calling iterations.
type scriptedClient struct {
	responses []*llm.ChatResponse
	calls     int
}

func (s *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	if s.calls >= len(s.responses) {
		return &llm.ChatResponse{Message: llm.Message{Content: "done"}}, nil
	}
	r := s.responses[s.calls]
	s.calls++
	return r, nil
}

func (s *scriptedClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return s.Chat(ctx, model, messages, tools)
}

func (s *scriptedClient) Ping(ctx context.Context) error { return nil }

func toolCall(id, name string, args map[string]any) llm.ToolCall {
	tc := llm.ToolCall{ID: id}
	tc.Function.Name = name
	tc.Function.Arguments = args
	return tc
}

func TestExecutor_NoToolCalls(t *testing.T) {
	session := imap.NewFake("acct1")
	d := newTestDispatcher(t, session)
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Message: llm.Message{Content: "the answer is 42"}},
	}}

	exec := NewExecutor(nil, d, mcp.NewRegistry(), client)
	result, err := exec.Run(context.Background(), Request{Instruction: "what is the answer"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.FinalResponse != "the answer is 42" {
		t.Fatalf("FinalResponse = %q", result.FinalResponse)
	}
	if result.Iterations != 1 {
		t.Fatalf("Iterations = %d, want 1", result.Iterations)
	}
	if len(result.ActionsTaken) != 0 {
		t.Fatalf("ActionsTaken = %+v, want empty", result.ActionsTaken)
	}
}

func TestExecutor_ExecutesToolCall(t *testing.T) {
	session := imap.NewFake("acct1")
	session.Seed("INBOX", &imap.Message{Envelope: imap.Envelope{Subject: "Hello"}})
	d := newTestDispatcher(t, session)

	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Message: llm.Message{
			Content:   "",
			ToolCalls: []llm.ToolCall{toolCall("call_1", "listFolders", map[string]any{})},
		}},
		{Message: llm.Message{Content: "there is one folder, INBOX"}},
	}}

	exec := NewExecutor(nil, d, mcp.NewRegistry(), client, WithMaxIterations(5))
	result, err := exec.Run(context.Background(), Request{Instruction: "list my folders", AccountID: "acct1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.ActionsTaken) != 1 {
		t.Fatalf("ActionsTaken = %+v, want 1 entry", result.ActionsTaken)
	}
	if result.ActionsTaken[0].ToolName != "listFolders" {
		t.Fatalf("ToolName = %q", result.ActionsTaken[0].ToolName)
	}
	if result.ActionsTaken[0].Error != "" {
		t.Fatalf("unexpected tool error: %s", result.ActionsTaken[0].Error)
	}
	if result.Iterations != 2 {
		t.Fatalf("Iterations = %d, want 2", result.Iterations)
	}
}

func TestExecutor_ToolCallError(t *testing.T) {
	session := imap.NewFake("acct1")
	d := newTestDispatcher(t, session)

	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Message: llm.Message{
			ToolCalls: []llm.ToolCall{toolCall("call_1", "fetchEmails", map[string]any{"uids": []any{}})},
		}},
		{Message: llm.Message{Content: "could not fetch"}},
	}}

	exec := NewExecutor(nil, d, mcp.NewRegistry(), client)
	result, err := exec.Run(context.Background(), Request{Instruction: "fetch nothing", AccountID: "acct1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.ActionsTaken) != 1 || result.ActionsTaken[0].Error == "" {
		t.Fatalf("expected a recorded tool error, got %+v", result.ActionsTaken)
	}
}

func TestExecutor_MaxIterationsExceeded(t *testing.T) {
	session := imap.NewFake("acct1")
	d := newTestDispatcher(t, session)

	// Every response requests another tool call, so the loop never
	// terminates on its own and must hit the iteration cap.
	responses := make([]*llm.ChatResponse, 10)
	for i := range responses {
		responses[i] = &llm.ChatResponse{Message: llm.Message{
			ToolCalls: []llm.ToolCall{toolCall("call", "listFolders", map[string]any{})},
		}}
	}
	client := &scriptedClient{responses: responses}

	exec := NewExecutor(nil, d, mcp.NewRegistry(), client, WithMaxIterations(3))
	result, err := exec.Run(context.Background(), Request{Instruction: "loop forever", AccountID: "acct1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure, got success")
	}
	if result.Iterations != 3 {
		t.Fatalf("Iterations = %d, want 3", result.Iterations)
	}
	if result.Error != "Maximum iterations exceeded" {
		t.Fatalf("Error = %q", result.Error)
	}
}

func TestExecutor_EmptyInstructionRejected(t *testing.T) {
	session := imap.NewFake("acct1")
	d := newTestDispatcher(t, session)
	exec := NewExecutor(nil, d, mcp.NewRegistry(), &scriptedClient{})
	if _, err := exec.Run(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for empty instruction")
	}
}
