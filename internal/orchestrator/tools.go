package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"vessel/internal/isolation"
	"vessel/internal/llm"
	"vessel/internal/logging"
	"vessel/internal/memory"
	"vessel/internal/trace"
)

// ValidationError reports a tool call missing a required field. It is
// fed back to the model as an error tool result, not raised to the
// caller.
type ValidationError struct {
	Tool  string
	Field string
}

func (e *ValidationError) Error() string {
	return "orchestrator: tool " + e.Tool + ": missing required field " + e.Field
}

// ToolRegistry executes the model's tool calls against the isolation
// runtime and the memory store.
type ToolRegistry struct {
	runtime isolation.Runtime
	store   *memory.Store

	// trail is optional; when set, recorded assessments land there too
	// so score history survives working-memory pruning.
	trail *trace.Store

	execTimeout time.Duration
}

// NewToolRegistry builds the registry. execTimeout bounds each bash
// call; zero means 30s.
func NewToolRegistry(rt isolation.Runtime, store *memory.Store, execTimeout time.Duration) *ToolRegistry {
	if execTimeout <= 0 {
		execTimeout = 30 * time.Second
	}
	return &ToolRegistry{runtime: rt, store: store, execTimeout: execTimeout}
}

// SetTrail attaches the audit trail.
func (r *ToolRegistry) SetTrail(trail *trace.Store) { r.trail = trail }

func prop(typ, desc string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": desc}
}

func schema(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// Definitions returns the declared tool schema sent with every Converse
// call.
func (r *ToolRegistry) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        "bash",
			Description: "Run a shell command inside the isolated workspace and return its output.",
			InputSchema: schema([]string{"command"}, map[string]interface{}{
				"command": prop("string", "Shell command to execute"),
				"cwd":     prop("string", "Working directory for the command, defaults to the workspace root"),
			}),
		},
		{
			Name:        "editor",
			Description: "View or modify a workspace file. Commands: view, create, str_replace, insert.",
			InputSchema: schema([]string{"command", "path"}, map[string]interface{}{
				"command":     prop("string", "One of view, create, str_replace, insert"),
				"path":        prop("string", "Absolute file path inside the workspace"),
				"file_text":   prop("string", "Full content for create"),
				"old_str":     prop("string", "Exact text to replace for str_replace"),
				"new_str":     prop("string", "Replacement text for str_replace, or text for insert"),
				"insert_line": prop("integer", "Line number to insert after, for insert"),
			}),
		},
		{
			Name:        "read_file",
			Description: "Read a file from the isolated workspace.",
			InputSchema: schema([]string{"path"}, map[string]interface{}{
				"path": prop("string", "Absolute file path"),
			}),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the isolated workspace, creating parent directories.",
			InputSchema: schema([]string{"path", "content"}, map[string]interface{}{
				"path":    prop("string", "Absolute file path"),
				"content": prop("string", "File content"),
			}),
		},
		{
			Name:        "list_files",
			Description: "List directory entries in the isolated workspace.",
			InputSchema: schema(nil, map[string]interface{}{
				"path": prop("string", "Directory to list, default /workspace"),
			}),
		},
		{
			Name:        "add_contact",
			Description: "Save a person to the contact database.",
			InputSchema: schema([]string{"name"}, map[string]interface{}{
				"name":         prop("string", "Contact name"),
				"email":        prop("string", "Email address"),
				"relationship": prop("string", "Relationship to the user"),
				"notes":        prop("string", "Free-form notes"),
			}),
		},
		{
			Name:        "add_deadline",
			Description: "Record a deadline. Due date accepts RFC 3339 or YYYY-MM-DD.",
			InputSchema: schema([]string{"title", "due_date"}, map[string]interface{}{
				"title":       prop("string", "Deadline title"),
				"description": prop("string", "What is due"),
				"due_date":    prop("string", "Due date"),
				"priority":    prop("string", "low, normal, high or critical"),
			}),
		},
		{
			Name:        "add_journal_entry",
			Description: "Record a journal entry with optional 1-10 mood and energy ratings.",
			InputSchema: schema([]string{"text"}, map[string]interface{}{
				"text":   prop("string", "Entry text"),
				"mood":   prop("integer", "Mood 1-10"),
				"energy": prop("integer", "Energy 1-10"),
			}),
		},
		{
			Name:        "get_questionnaire",
			Description: "Fetch a built-in assessment questionnaire (phq-9, gad-7) with its questions.",
			InputSchema: schema([]string{"id"}, map[string]interface{}{
				"id": prop("string", "Questionnaire id"),
			}),
		},
		{
			Name:        "record_assessment",
			Description: "Score a completed questionnaire and derive the trend against recent results.",
			InputSchema: schema([]string{"questionnaire_id", "answers"}, map[string]interface{}{
				"questionnaire_id": prop("string", "Questionnaire id"),
				"answers": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "integer"},
					"description": "One answer per question, in order",
				},
			}),
		},
	}
}

// Execute dispatches one tool call. Errors are returned for the caller
// to wrap as an error tool result; they never abort the turn.
func (r *ToolRegistry) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	switch name {
	case "bash":
		return r.bash(ctx, input)
	case "editor":
		return r.editor(ctx, input)
	case "read_file":
		return r.readFile(ctx, input)
	case "write_file":
		return r.writeFile(ctx, input)
	case "list_files":
		return r.listFiles(ctx, input)
	case "add_contact":
		return r.addContact(input)
	case "add_deadline":
		return r.addDeadline(input)
	case "add_journal_entry":
		return r.addJournalEntry(input)
	case "get_questionnaire":
		return r.getQuestionnaire(input)
	case "record_assessment":
		return r.recordAssessment(input)
	default:
		return "", fmt.Errorf("orchestrator: unknown tool %q", name)
	}
}

func (r *ToolRegistry) bash(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Command string `json:"command"`
		Cwd     string `json:"cwd"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Command) == "" {
		return "", &ValidationError{Tool: "bash", Field: "command"}
	}
	res, err := r.runtime.Execute(ctx, in.Command, isolation.ExecOptions{Timeout: r.execTimeout, Cwd: in.Cwd})
	if err != nil {
		return "", err
	}
	out := res.Stdout
	if res.Stderr != "" {
		out += res.Stderr
	}
	if res.ExitCode != 0 {
		return out, fmt.Errorf("exit code %d", res.ExitCode)
	}
	return out, nil
}

func (r *ToolRegistry) editor(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Command    string `json:"command"`
		Path       string `json:"path"`
		FileText   string `json:"file_text"`
		OldStr     string `json:"old_str"`
		NewStr     string `json:"new_str"`
		InsertLine int    `json:"insert_line"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	if in.Path == "" {
		return "", &ValidationError{Tool: "editor", Field: "path"}
	}

	switch in.Command {
	case "view":
		data, err := r.runtime.ReadFile(ctx, in.Path)
		if err != nil {
			return "", err
		}
		return string(data), nil

	case "create":
		if err := r.runtime.WriteFile(ctx, in.Path, []byte(in.FileText)); err != nil {
			return "", err
		}
		return "created " + in.Path, nil

	case "str_replace":
		if in.OldStr == "" {
			return "", &ValidationError{Tool: "editor", Field: "old_str"}
		}
		data, err := r.runtime.ReadFile(ctx, in.Path)
		if err != nil {
			return "", err
		}
		content := string(data)
		switch strings.Count(content, in.OldStr) {
		case 0:
			return "", fmt.Errorf("old_str not found in %s", in.Path)
		case 1:
		default:
			return "", fmt.Errorf("old_str is not unique in %s", in.Path)
		}
		content = strings.Replace(content, in.OldStr, in.NewStr, 1)
		if err := r.runtime.WriteFile(ctx, in.Path, []byte(content)); err != nil {
			return "", err
		}
		return "replaced in " + in.Path, nil

	case "insert":
		data, err := r.runtime.ReadFile(ctx, in.Path)
		if err != nil {
			return "", err
		}
		lines := strings.Split(string(data), "\n")
		if in.InsertLine < 0 || in.InsertLine > len(lines) {
			return "", fmt.Errorf("insert_line %d out of range (file has %d lines)", in.InsertLine, len(lines))
		}
		updated := make([]string, 0, len(lines)+1)
		updated = append(updated, lines[:in.InsertLine]...)
		updated = append(updated, in.NewStr)
		updated = append(updated, lines[in.InsertLine:]...)
		if err := r.runtime.WriteFile(ctx, in.Path, []byte(strings.Join(updated, "\n"))); err != nil {
			return "", err
		}
		return fmt.Sprintf("inserted after line %d in %s", in.InsertLine, in.Path), nil

	default:
		return "", fmt.Errorf("editor: unknown command %q", in.Command)
	}
}

func (r *ToolRegistry) readFile(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	if in.Path == "" {
		return "", &ValidationError{Tool: "read_file", Field: "path"}
	}
	data, err := r.runtime.ReadFile(ctx, in.Path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r *ToolRegistry) writeFile(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	if in.Path == "" {
		return "", &ValidationError{Tool: "write_file", Field: "path"}
	}
	if err := r.runtime.WriteFile(ctx, in.Path, []byte(in.Content)); err != nil {
		return "", err
	}
	r.store.TouchFile(in.Path)
	return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
}

func (r *ToolRegistry) listFiles(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	if in.Path == "" {
		in.Path = "/workspace"
	}
	entries, err := r.runtime.ListFiles(ctx, in.Path)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "(empty)", nil
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&b, "%s/\n", e.Name)
		} else {
			fmt.Fprintf(&b, "%s\t%d\n", e.Name, e.Size)
		}
	}
	return b.String(), nil
}

func (r *ToolRegistry) addContact(input json.RawMessage) (string, error) {
	var in struct {
		Name         string `json:"name"`
		Email        string `json:"email"`
		Relationship string `json:"relationship"`
		Notes        string `json:"notes"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Name) == "" {
		return "", &ValidationError{Tool: "add_contact", Field: "name"}
	}
	c, err := r.store.AddContact(memory.Contact{
		Name:         in.Name,
		Email:        in.Email,
		Relationship: in.Relationship,
		Notes:        in.Notes,
	})
	if err != nil {
		return "", err
	}
	return "saved contact " + c.Name, nil
}

func (r *ToolRegistry) addDeadline(input json.RawMessage) (string, error) {
	var in struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		DueDate     string `json:"due_date"`
		Priority    string `json:"priority"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Title) == "" {
		return "", &ValidationError{Tool: "add_deadline", Field: "title"}
	}
	if strings.TrimSpace(in.DueDate) == "" {
		return "", &ValidationError{Tool: "add_deadline", Field: "due_date"}
	}
	due, err := parseDueDate(in.DueDate)
	if err != nil {
		return "", err
	}
	if in.Priority == "" {
		in.Priority = "normal"
	}
	d, err := r.store.AddDeadline(in.Title, in.Description, due, in.Priority, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("saved deadline %q due %s (%d weeks out)", d.Title, due.Format("2006-01-02"), d.WeeksOut(time.Now())), nil
}

func parseDueDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable due date %q", s)
}

func (r *ToolRegistry) addJournalEntry(input json.RawMessage) (string, error) {
	var in struct {
		Text   string `json:"text"`
		Mood   *int   `json:"mood"`
		Energy *int   `json:"energy"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Text) == "" {
		return "", &ValidationError{Tool: "add_journal_entry", Field: "text"}
	}
	entry, err := r.store.AddJournalEntry(in.Text, in.Mood, in.Energy, nil)
	if err != nil {
		return "", err
	}
	return "recorded journal entry " + entry.ID, nil
}

func (r *ToolRegistry) getQuestionnaire(input json.RawMessage) (string, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	if in.ID == "" {
		return "", &ValidationError{Tool: "get_questionnaire", Field: "id"}
	}
	q, err := r.store.GetQuestionnaire(in.ID)
	if err != nil {
		return "", err
	}
	payload, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (r *ToolRegistry) recordAssessment(input json.RawMessage) (string, error) {
	var in struct {
		QuestionnaireID string `json:"questionnaire_id"`
		Answers         []int  `json:"answers"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	if in.QuestionnaireID == "" {
		return "", &ValidationError{Tool: "record_assessment", Field: "questionnaire_id"}
	}
	if len(in.Answers) == 0 {
		return "", &ValidationError{Tool: "record_assessment", Field: "answers"}
	}
	res, err := r.store.RecordAssessment(in.QuestionnaireID, in.Answers)
	if err != nil {
		return "", err
	}
	if r.trail != nil {
		if err := r.trail.RecordAssessment(res.QuestionnaireID, res.Score, res.MaxScore, res.Trend); err != nil {
			logging.Trace("assessment trail write failed: %v", err)
		}
	}
	return fmt.Sprintf("%s: score %d/%d, trend %s", res.QuestionnaireID, res.Score, res.MaxScore, res.Trend), nil
}
