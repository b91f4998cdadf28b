// Package memory is the durable state layer: one SharedMemory value
// holding working scratch, the conversation buffer, and the contact,
// deadline and journal databases, persisted as JSON documents under a
// data directory with a dirty-flag autosave loop.
package memory

import "time"

// maxRecentActions caps the working-memory action ring.
const maxRecentActions = 50

// Contact is one person the agent communicates on behalf of or with.
type Contact struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email,omitempty"`
	Channels     []string  `json:"channels,omitempty"`
	Style        string    `json:"style,omitempty"`
	StyleSample  string    `json:"style_sample,omitempty"`
	Relationship string    `json:"relationship,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// MicrotaskAssignee values.
const (
	AssigneeUser  = "user"
	AssigneeAgent = "agent"
	AssigneeBoth  = "both"
)

// Microtask statuses.
const (
	MicrotaskPending = "pending"
	MicrotaskDone    = "done"
)

// Microtask is the smallest schedulable unit contributing to a deadline.
type Microtask struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	EstimateMinutes int        `json:"estimate_minutes"`
	Assignee        string     `json:"assignee"`
	Status          string     `json:"status"`
	DueWeek         int        `json:"due_week"`
	ContributesTo   string     `json:"contributes_to,omitempty"`
	DependsOn       []string   `json:"depends_on,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Result          string     `json:"result,omitempty"`
}

// Deadline statuses.
const (
	DeadlineActive = "active"
	DeadlineDone   = "done"
	DeadlineMissed = "missed"
)

// Deadline is a dated goal with an ordered microtask plan. Weeks-out,
// phase and progress are always derived from the current clock and the
// microtask list, never stored.
type Deadline struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	Description        string      `json:"description,omitempty"`
	DueDate            time.Time   `json:"due_date"`
	CreatedAt          time.Time   `json:"created_at"`
	Priority           string      `json:"priority"`
	Microtasks         []Microtask `json:"microtasks,omitempty"`
	AgentContributions []string    `json:"agent_contributions,omitempty"`
	Status             string      `json:"status"`
	Tags               []string    `json:"tags,omitempty"`
}

// JournalEntry is one timestamped journal record with optional mood and
// energy scalars (1-10).
type JournalEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Mood      *int      `json:"mood,omitempty"`
	Energy    *int      `json:"energy,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

// Trend of an assessment score against recent history.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDeclining = "declining"
)

// AssessmentResult is one completed questionnaire with its derived trend.
type AssessmentResult struct {
	ID              string    `json:"id"`
	QuestionnaireID string    `json:"questionnaire_id"`
	Score           int       `json:"score"`
	MaxScore        int       `json:"max_score"`
	Answers         []int     `json:"answers,omitempty"`
	Trend           string    `json:"trend"`
	Timestamp       time.Time `json:"timestamp"`
}

// Journal bundles entries and assessment history, persisted together.
type Journal struct {
	Entries     []JournalEntry     `json:"entries"`
	Assessments []AssessmentResult `json:"assessments"`
}

// ActionRecord is one entry of the working-memory action ring.
type ActionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
}

// WorkingMemory is per-session scratch state. Not persisted.
type WorkingMemory struct {
	CurrentTask   string         `json:"current_task,omitempty"`
	ActiveFiles   []string       `json:"active_files,omitempty"`
	RecentActions []ActionRecord `json:"recent_actions,omitempty"`
}

// ConversationMessage is one turn of the conversation buffer.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationBuffer holds the turn history plus distilled key facts.
type ConversationBuffer struct {
	Messages []ConversationMessage `json:"messages,omitempty"`
	KeyFacts []string              `json:"key_facts,omitempty"`
	Summary  string                `json:"summary,omitempty"`
}

// UserProfile is what the agent knows about its user.
type UserProfile struct {
	Name        string            `json:"name,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// ProjectContext describes the active project.
type ProjectContext struct {
	Name  string   `json:"name,omitempty"`
	Goals []string `json:"goals,omitempty"`
	Notes string   `json:"notes,omitempty"`
}

// SharedMemory is the single in-memory state value. Contacts, deadlines
// and the journal are the persisted databases; the rest is session
// scratch.
type SharedMemory struct {
	Working      WorkingMemory      `json:"working"`
	Conversation ConversationBuffer `json:"conversation"`
	User         UserProfile        `json:"user"`
	Project      ProjectContext     `json:"project"`
	Contacts     []Contact          `json:"contacts"`
	Deadlines    []Deadline         `json:"deadlines"`
	Journal      Journal            `json:"journal"`
}
