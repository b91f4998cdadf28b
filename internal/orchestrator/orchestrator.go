// Package orchestrator routes inbound messages: classify intent, hand
// the task to the right worker, and drive the model's tool loop until
// the turn ends. Tool calls execute sequentially in emission order
// against the isolation runtime and the memory store.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"vessel/internal/agent"
	"vessel/internal/isolation"
	"vessel/internal/llm"
	"vessel/internal/logging"
	"vessel/internal/memory"
	"vessel/internal/trace"
)

// maxToolRounds bounds one turn's model/tool back-and-forth.
const maxToolRounds = 16

// Orchestrator owns the turn pipeline.
type Orchestrator struct {
	client    llm.Client
	store     *memory.Store
	companion *agent.Companion
	tools     *ToolRegistry

	// trail is optional; when set, routed tasks and tool calls are
	// audited there in addition to working memory.
	trail *trace.Store

	// activated tracks which deadlines currently hold a deadline-mode
	// activation, so each due date enters and exits exactly once.
	activated map[string]bool
}

// New wires the orchestrator. The companion must already have its
// specialist pool registered; it gets the orchestrator's tool loop as
// its turn driver.
func New(client llm.Client, store *memory.Store, runtime isolation.Runtime, companion *agent.Companion) *Orchestrator {
	o := &Orchestrator{
		client:    client,
		store:     store,
		companion: companion,
		tools:     NewToolRegistry(runtime, store, 0),
		activated: make(map[string]bool),
	}
	companion.SetTurnDriver(o.driveTurn)
	return o
}

// SetTrail attaches the audit trail to the orchestrator and its tool
// registry.
func (o *Orchestrator) SetTrail(trail *trace.Store) {
	o.trail = trail
	o.tools.SetTrail(trail)
}

func (o *Orchestrator) audit(actor, kind, name, detail string) {
	if o.trail == nil {
		return
	}
	if err := o.trail.Record(actor, kind, name, detail); err != nil {
		logging.Trace("audit write failed: %v", err)
	}
}

// HandleMessage processes one inbound user message and returns the
// reply text.
func (o *Orchestrator) HandleMessage(ctx context.Context, text string) (string, error) {
	now := time.Now()
	o.syncDeadlineMode(now)

	o.store.AppendMessage(llm.RoleUser, text)
	o.store.RecordAction("user", "message", snippet(text))
	o.audit("user", "message", "inbound", snippet(text))

	tag := Classify(text)
	worker := WorkerFor(tag)
	logging.Workers("orchestrator: intent=%s worker=%s", tag, worker)

	var reply string
	var err error
	switch tag {
	case TagCode, TagResearch:
		reply, err = o.delegateTurn(ctx, worker, tag, text)
	case TagDeadline:
		reply, err = o.deadlineTurn(ctx, tag, text)
	default:
		reply, err = o.companionTurn(ctx, tag, text)
	}
	if err != nil {
		return "", err
	}

	o.store.AppendMessage(llm.RoleAssistant, reply)
	return reply, nil
}

// companionTurn hands a conversational turn to the primary worker. The
// companion supplies the persona prompt and calls back into driveTurn
// for the tool loop.
func (o *Orchestrator) companionTurn(ctx context.Context, tag Tag, text string) (string, error) {
	res, err := o.companion.Execute(ctx, o.buildTask(tag, text))
	if err != nil {
		return "", err
	}
	o.store.RecordAction("companion", "turn", string(tag))
	o.audit("companion", "turn", string(tag), snippet(text))
	return formatResult(res), nil
}

// driveTurn is the companion's turn driver: run the tool loop under the
// prompt the companion built.
func (o *Orchestrator) driveTurn(ctx context.Context, system, input string) (string, error) {
	messages := o.historyMessages()
	if !endsWithUserText(messages, input) {
		messages = append(messages, llm.UserText(input))
	}
	return o.runToolLoop(ctx, system, messages)
}

func endsWithUserText(messages []llm.Message, text string) bool {
	if len(messages) == 0 {
		return false
	}
	last := messages[len(messages)-1]
	if last.Role != llm.RoleUser {
		return false
	}
	for _, blk := range last.Content {
		if blk.Type == llm.BlockText && blk.Text == text {
			return true
		}
	}
	return false
}

// delegateTurn routes a specialist task through the companion.
func (o *Orchestrator) delegateTurn(ctx context.Context, worker string, tag Tag, text string) (string, error) {
	res, err := o.companion.Delegate(ctx, worker, o.buildTask(tag, text))
	if err != nil {
		return "", err
	}
	o.store.RecordAction(worker, "task", string(tag))
	o.audit(worker, "task", string(tag), snippet(text))
	return formatResult(res), nil
}

// deadlineTurn runs the tool loop (the model records the deadline via
// add_deadline) and then has the reporter plan any deadline the turn
// created.
func (o *Orchestrator) deadlineTurn(ctx context.Context, tag Tag, text string) (string, error) {
	before := make(map[string]bool)
	for _, d := range o.store.Deadlines() {
		before[d.ID] = true
	}

	reply, err := o.runToolLoop(ctx, o.systemPrompt(time.Now()), o.historyMessages())
	if err != nil {
		return "", err
	}

	for _, d := range o.store.Deadlines() {
		if before[d.ID] {
			continue
		}
		task := o.buildTask(tag, text)
		task.Params = map[string]string{"deadline_id": d.ID}
		res, err := o.companion.Delegate(ctx, "reporter", task)
		if err != nil {
			logging.Workers("orchestrator: planning %s failed: %v", d.ID, err)
			continue
		}
		o.store.RecordAction("reporter", "plan", d.Title)
		if res.Output != "" {
			reply = strings.TrimRight(reply, "\n") + "\n" + res.Output
		}
	}
	return reply, nil
}

// buildTask assembles the AgentTask for a turn. Priority floors to
// critical while deadline mode is active.
func (o *Orchestrator) buildTask(tag Tag, text string) agent.Task {
	priority := agent.PriorityNormal
	if o.companion.DeadlineMode() {
		priority = agent.PriorityCritical
	}
	return agent.Task{
		ID:        uuid.NewString(),
		Type:      string(tag),
		Input:     text,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

// runToolLoop drives Converse until the model stops asking for tools.
// Assistant turns that end on tool use are still appended to the loop
// history so ordering survives into the next round.
func (o *Orchestrator) runToolLoop(ctx context.Context, system string, messages []llm.Message) (string, error) {
	tools := o.tools.Definitions()

	var reply strings.Builder
	for round := 0; round < maxToolRounds; round++ {
		resp, err := o.client.Converse(ctx, system, messages, tools)
		if err != nil {
			return "", err
		}
		if text := resp.Text(); text != "" {
			if reply.Len() > 0 {
				reply.WriteString("\n")
			}
			reply.WriteString(text)
		}
		messages = append(messages, resp.AsAssistantMessage())

		calls := resp.ToolUses()
		if resp.StopReason != llm.StopToolUse || len(calls) == 0 {
			break
		}

		results := make([]llm.ContentBlock, 0, len(calls))
		for _, call := range calls {
			out, err := o.tools.Execute(ctx, call.Name, call.Input)
			if err != nil {
				logging.Workers("orchestrator: tool %s failed: %v", call.Name, err)
				msg := err.Error()
				if out != "" {
					msg = out + "\n" + msg
				}
				results = append(results, llm.ToolResult(call.ID, msg, true))
			} else {
				results = append(results, llm.ToolResult(call.ID, out, false))
			}
			o.store.RecordAction("assistant", "tool:"+call.Name, "")
			o.audit("assistant", "tool", call.Name, "")
		}
		messages = append(messages, llm.ToolResults(results))
	}
	return reply.String(), nil
}

// historyMessages converts the persisted conversation buffer into API
// messages.
func (o *Orchestrator) historyMessages() []llm.Message {
	buf := o.store.Conversation()
	messages := make([]llm.Message, 0, len(buf.Messages))
	for _, m := range buf.Messages {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		switch m.Role {
		case llm.RoleAssistant:
			messages = append(messages, llm.Message{
				Role:    llm.RoleAssistant,
				Content: []llm.ContentBlock{{Type: llm.BlockText, Text: m.Text}},
			})
		default:
			messages = append(messages, llm.UserText(m.Text))
		}
	}
	return messages
}

// systemPrompt grounds the model in the user profile, upcoming
// deadlines and recent key facts.
func (o *Orchestrator) systemPrompt(now time.Time) string {
	var b strings.Builder
	b.WriteString("You are a personal assistant with an isolated workspace and a persistent memory.\n")
	b.WriteString("Use tools for shell work, file edits, and recording contacts, deadlines, journal entries and assessments.\n")

	if profile := o.store.UserProfile(); profile.Name != "" {
		fmt.Fprintf(&b, "User: %s", profile.Name)
		if profile.Timezone != "" {
			fmt.Fprintf(&b, " (%s)", profile.Timezone)
		}
		b.WriteString("\n")
	}

	if upcoming := o.store.UpcomingDeadlines(now, 28*24*time.Hour); len(upcoming) > 0 {
		b.WriteString("Upcoming deadlines:\n")
		for _, d := range upcoming {
			fmt.Fprintf(&b, "- %s due %s, %d%% done (phase %s)\n",
				d.Title, d.DueDate.Format("2006-01-02"), d.ProgressPercent(), d.Phase(now))
		}
	}

	if facts := o.store.Conversation().KeyFacts; len(facts) > 0 {
		b.WriteString("Key facts:\n")
		start := 0
		if len(facts) > 10 {
			start = len(facts) - 10
		}
		for _, f := range facts[start:] {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if o.companion.DeadlineMode() {
		b.WriteString("Deadline mode is active: prioritize due work in every reply.\n")
	}
	return b.String()
}

// syncDeadlineMode enters deadline mode once per deadline that has come
// within a week of due, and releases the activation when it resolves.
func (o *Orchestrator) syncDeadlineMode(now time.Time) {
	imminent := make(map[string]bool)
	for _, d := range o.store.Deadlines() {
		if d.Status != memory.DeadlineActive {
			continue
		}
		if d.WeeksOut(now) <= 1 {
			imminent[d.ID] = true
		}
	}
	for id := range imminent {
		if !o.activated[id] {
			o.activated[id] = true
			o.companion.EnterDeadlineMode()
		}
	}
	for id := range o.activated {
		if !imminent[id] {
			delete(o.activated, id)
			o.companion.ExitDeadlineMode()
		}
	}
}

func formatResult(res *agent.Result) string {
	if res.Success {
		return res.Output
	}
	var b strings.Builder
	b.WriteString("That didn't work")
	if res.Err != "" {
		b.WriteString(": " + res.Err)
	}
	if res.Output != "" {
		b.WriteString("\n" + res.Output)
	}
	for _, step := range res.NextSteps {
		b.WriteString("\nSuggestion: " + step)
	}
	return b.String()
}

func snippet(text string) string {
	const max = 80
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
