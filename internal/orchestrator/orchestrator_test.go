package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vessel/internal/agent"
	"vessel/internal/isolation"
	"vessel/internal/llm"
	"vessel/internal/memory"
	"vessel/internal/trace"
)

// scriptedLLM plays back a fixed sequence of responses and records what
// it was called with.
type scriptedLLM struct {
	responses []*llm.Response
	calls     int

	lastSystem   string
	lastMessages []llm.Message
	lastTools    []llm.ToolDefinition
}

func (s *scriptedLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.lastSystem = systemPrompt
	return "scripted", nil
}

func (s *scriptedLLM) Converse(ctx context.Context, systemPrompt string, messages []llm.Message, tools []llm.ToolDefinition) (*llm.Response, error) {
	s.lastSystem = systemPrompt
	s.lastMessages = append([]llm.Message(nil), messages...)
	s.lastTools = tools
	if s.calls >= len(s.responses) {
		return &llm.Response{
			Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: "done"}},
			StopReason: llm.StopEndTurn,
		}, nil
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: text}},
		StopReason: llm.StopEndTurn,
	}
}

func toolUseResponse(id, name string, input interface{}) *llm.Response {
	raw, _ := json.Marshal(input)
	return &llm.Response{
		Content: []llm.ContentBlock{
			{Type: llm.BlockToolUse, ID: id, Name: name, Input: raw},
		},
		StopReason: llm.StopToolUse,
	}
}

type testEnv struct {
	orch    *Orchestrator
	client  *scriptedLLM
	runtime *fakeRuntime
	store   *memory.Store
	coder   *agent.Coder
}

func newTestEnv(t *testing.T, responses ...*llm.Response) *testEnv {
	t.Helper()
	store := newTestStore(t)
	rt := newFakeRuntime()
	client := &scriptedLLM{responses: responses}

	companion := agent.NewCompanion(client, store)
	coder := agent.NewCoder(rt, time.Second)
	companion.Register(coder)
	companion.Register(agent.NewResearcher())
	companion.Register(agent.NewReporter(store))

	return &testEnv{
		orch:    New(client, store, rt, companion),
		client:  client,
		runtime: rt,
		store:   store,
		coder:   coder,
	}
}

func TestHandleMessageConversation(t *testing.T) {
	env := newTestEnv(t, textResponse("hello to you too"))

	reply, err := env.orch.HandleMessage(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "hello to you too" {
		t.Errorf("reply = %q", reply)
	}

	buf := env.store.Conversation()
	if len(buf.Messages) != 2 {
		t.Fatalf("history has %d messages", len(buf.Messages))
	}
	if buf.Messages[0].Role != llm.RoleUser || buf.Messages[1].Role != llm.RoleAssistant {
		t.Errorf("roles = %s, %s", buf.Messages[0].Role, buf.Messages[1].Role)
	}
	if len(env.client.lastTools) == 0 {
		t.Error("tool schema not sent")
	}
}

func TestHandleMessageToolLoop(t *testing.T) {
	env := newTestEnv(t,
		toolUseResponse("call-1", "bash", map[string]string{"command": "uname -a"}),
		textResponse("your kernel info is above"),
	)

	reply, err := env.orch.HandleMessage(context.Background(), "what's my kernel version? check please")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !strings.Contains(reply, "kernel info") {
		t.Errorf("reply = %q", reply)
	}
	if env.runtime.lastCommand != "uname -a" {
		t.Errorf("command = %q", env.runtime.lastCommand)
	}

	// The second Converse call must carry the tool_use turn and its
	// result, in order.
	msgs := env.client.lastMessages
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleUser || last.Content[0].Type != llm.BlockToolResult {
		t.Fatalf("final message = %+v", last)
	}
	if last.Content[0].ToolUseID != "call-1" || last.Content[0].IsError {
		t.Errorf("tool result = %+v", last.Content[0])
	}
	prev := msgs[len(msgs)-2]
	if prev.Role != llm.RoleAssistant || prev.Content[0].Type != llm.BlockToolUse {
		t.Errorf("tool_use turn not preserved in history: %+v", prev)
	}
}

func TestHandleMessageToolErrorFedBack(t *testing.T) {
	env := newTestEnv(t,
		toolUseResponse("call-1", "bash", map[string]string{}),
		textResponse("sorry, that failed"),
	)

	if _, err := env.orch.HandleMessage(context.Background(), "what does this error message mean"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	msgs := env.client.lastMessages
	result := msgs[len(msgs)-1].Content[0]
	if !result.IsError {
		t.Errorf("validation failure should come back as an error result: %+v", result)
	}
	if !strings.Contains(result.Content, "command") {
		t.Errorf("result content = %q", result.Content)
	}
}

func TestHandleMessageCodeDelegation(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.execResult = &isolation.ExecuteResult{Stdout: "42\n"}

	reply, err := env.orch.HandleMessage(context.Background(), "debug: echo 42")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "42\n" {
		t.Errorf("reply = %q", reply)
	}
	// Delegation bypasses the model entirely.
	if env.client.calls != 0 {
		t.Errorf("model called %d times", env.client.calls)
	}
	if env.coder.Status() != agent.StatusIdle {
		t.Errorf("coder status = %s", env.coder.Status())
	}
}

func TestHandleMessageDeadlinePlansNewDeadline(t *testing.T) {
	env := newTestEnv(t,
		toolUseResponse("call-1", "add_deadline", map[string]string{
			"title": "thesis", "due_date": time.Now().Add(9 * 7 * 24 * time.Hour).Format("2006-01-02"),
		}),
		textResponse("recorded it"),
	)

	reply, err := env.orch.HandleMessage(context.Background(), "my thesis is due in nine weeks, submit reminder please")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !strings.Contains(reply, "recorded it") || !strings.Contains(reply, "Planned") {
		t.Errorf("reply = %q", reply)
	}

	deadlines := env.store.Deadlines()
	if len(deadlines) != 1 {
		t.Fatalf("%d deadlines stored", len(deadlines))
	}
	if len(deadlines[0].Microtasks) == 0 {
		t.Error("reporter did not persist a plan")
	}
}

func TestDeadlineModeActivation(t *testing.T) {
	env := newTestEnv(t, textResponse("stay focused"), textResponse("all done"))

	due := time.Now().Add(3 * 24 * time.Hour)
	d, err := env.store.AddDeadline("demo day", "", due, "critical", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.orch.HandleMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if !env.orch.companion.DeadlineMode() {
		t.Fatal("deadline mode not active with a due date 3 days out")
	}
	if !strings.Contains(env.client.lastSystem, "Deadline mode is active") {
		t.Error("system prompt missing deadline-mode notice")
	}

	// Completing every microtask resolves the deadline and releases the
	// activation on the next turn.
	if _, err := env.store.SetDeadlinePlan(d.ID, []memory.Microtask{{ID: "m1", Title: "ship", Status: memory.MicrotaskPending}}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.CompleteMicrotask(d.ID, "m1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.orch.HandleMessage(context.Background(), "hello again"); err != nil {
		t.Fatal(err)
	}
	if env.orch.companion.DeadlineMode() {
		t.Error("deadline mode still active after the deadline resolved")
	}
}

func TestAuditTrailRecordsTurn(t *testing.T) {
	env := newTestEnv(t,
		toolUseResponse("call-1", "bash", map[string]string{"command": "ls"}),
		textResponse("listed"),
	)
	trail, err := trace.New(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer trail.Close()
	env.orch.SetTrail(trail)

	if _, err := env.orch.HandleMessage(context.Background(), "hello, list my files"); err != nil {
		t.Fatal(err)
	}

	counts, err := trail.CountByKind()
	if err != nil {
		t.Fatal(err)
	}
	if counts["message"] != 1 || counts["tool"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestConversationRunsThroughCompanion(t *testing.T) {
	env := newTestEnv(t, textResponse("take it one step at a time"))
	if _, err := env.store.AddDeadline("grant report", "", time.Now().Add(10*24*time.Hour), "high", nil); err != nil {
		t.Fatal(err)
	}

	reply, err := env.orch.HandleMessage(context.Background(), "good morning")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "take it one step at a time" {
		t.Errorf("reply = %q", reply)
	}

	// The companion built the prompt: its persona and cadence line show
	// up, and the tool schema still rides along.
	sys := env.client.lastSystem
	if !strings.Contains(sys, "supportive personal companion") {
		t.Errorf("prompt missing companion persona:\n%s", sys)
	}
	if !strings.Contains(sys, "Reminder cadence") {
		t.Errorf("prompt missing cadence line:\n%s", sys)
	}
	if len(env.client.lastTools) == 0 {
		t.Error("tool schema not sent on the conversational path")
	}
	if env.orch.companion.Status() != agent.StatusIdle {
		t.Errorf("companion status = %s", env.orch.companion.Status())
	}
}

func TestSystemPromptCarriesContext(t *testing.T) {
	env := newTestEnv(t, textResponse("hi"))
	env.store.SetUserProfile(memory.UserProfile{Name: "Sam", Timezone: "Europe/Berlin"})
	env.store.AddKeyFact("allergic to penicillin")
	if _, err := env.store.AddDeadline("grant report", "", time.Now().Add(14*24*time.Hour), "high", nil); err != nil {
		t.Fatal(err)
	}

	if _, err := env.orch.HandleMessage(context.Background(), "good morning"); err != nil {
		t.Fatal(err)
	}

	sys := env.client.lastSystem
	for _, want := range []string{"Sam", "Europe/Berlin", "grant report", "allergic to penicillin"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q:\n%s", want, sys)
		}
	}
}
