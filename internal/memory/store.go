package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"vessel/internal/logging"
)

// Persisted database files, one JSON document each.
const (
	contactsFile  = "contacts.json"
	deadlinesFile = "deadlines.json"
	journalFile   = "journal.json"
)

// DefaultFlushInterval between dirty checks of the autosave loop.
const DefaultFlushInterval = 60 * time.Second

// NotFoundError reports a lookup miss in one of the databases.
type NotFoundError struct {
	Kind string // "contact", "deadline", "microtask", "questionnaire"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("memory: %s not found: %s", e.Kind, e.Name)
}

// ValidationError reports rejected input to a mutating accessor.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("memory: invalid %s: %s", e.Field, e.Reason)
}

// StoreOptions configure NewStore.
type StoreOptions struct {
	// FlushInterval between autosave dirty checks. Zero means the
	// default 60s.
	FlushInterval time.Duration

	// WatchExternal reloads a database file when something else edits it
	// on disk and no unsaved changes would be clobbered.
	WatchExternal bool
}

// Store owns the SharedMemory value. All access goes through accessor
// methods; every mutation sets a dirty flag that the autosave loop
// flushes on its next tick. Close performs one final synchronous flush.
type Store struct {
	dir           string
	flushInterval time.Duration

	mu    sync.RWMutex
	mem   SharedMemory
	dirty bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewStore loads the persisted databases from dir, tolerating missing
// files, and starts the autosave loop.
func NewStore(dir string, opts StoreOptions) (*Store, error) {
	if dir == "" {
		return nil, &ValidationError{Field: "dir", Reason: "empty"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	s := &Store{
		dir:           dir,
		flushInterval: opts.FlushInterval,
		done:          make(chan struct{}),
	}
	s.loadAll()

	if opts.WatchExternal {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("start watcher: %w", err)
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		s.watcher = watcher
		s.wg.Add(1)
		go s.watchLoop()
	}

	s.wg.Add(1)
	go s.autosaveLoop()
	return s, nil
}

func (s *Store) loadAll() {
	loadJSON(filepath.Join(s.dir, contactsFile), &s.mem.Contacts)
	loadJSON(filepath.Join(s.dir, deadlinesFile), &s.mem.Deadlines)
	loadJSON(filepath.Join(s.dir, journalFile), &s.mem.Journal)
	logging.Memory("loaded %d contacts, %d deadlines, %d journal entries",
		len(s.mem.Contacts), len(s.mem.Deadlines), len(s.mem.Journal.Entries))
}

func loadJSON(path string, out interface{}) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.MemoryWarn("cannot read %s: %v", path, err)
		}
		return
	}
	if err := json.Unmarshal(data, out); err != nil {
		logging.MemoryError("corrupt database %s: %v", path, err)
	}
}

// autosaveLoop flushes on a fixed interval, only when dirty. It never
// blocks callers: mutators just set the flag.
func (s *Store) autosaveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.RLock()
			dirty := s.dirty
			s.mu.RUnlock()
			if dirty {
				if err := s.Flush(); err != nil {
					logging.MemoryError("autosave failed: %v", err)
				}
			}
		case <-s.done:
			return
		}
	}
}

// watchLoop reloads databases edited externally. Unsaved in-memory
// changes win: a dirty store ignores external edits until it has
// flushed.
func (s *Store) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(ev.Name)
			if name != contactsFile && name != deadlinesFile && name != journalFile {
				continue
			}
			s.mu.Lock()
			if s.dirty {
				s.mu.Unlock()
				continue
			}
			switch name {
			case contactsFile:
				loadJSON(ev.Name, &s.mem.Contacts)
			case deadlinesFile:
				loadJSON(ev.Name, &s.mem.Deadlines)
			case journalFile:
				loadJSON(ev.Name, &s.mem.Journal)
			}
			s.mu.Unlock()
			logging.MemoryDebug("reloaded %s after external change", name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.MemoryWarn("watcher error: %v", err)
		case <-s.done:
			return
		}
	}
}

// Flush writes the persisted databases to disk and clears the dirty
// flag. Writes are atomic per file.
func (s *Store) Flush() error {
	s.mu.Lock()
	contacts := append([]Contact(nil), s.mem.Contacts...)
	deadlines := append([]Deadline(nil), s.mem.Deadlines...)
	journal := s.mem.Journal
	s.dirty = false
	s.mu.Unlock()

	if err := writeJSON(filepath.Join(s.dir, contactsFile), contacts); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(s.dir, deadlinesFile), deadlines); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(s.dir, journalFile), journal); err != nil {
		return err
	}
	logging.MemoryDebug("flushed %d contacts, %d deadlines", len(contacts), len(deadlines))
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

// Close stops the background loops and performs one final synchronous
// flush.
func (s *Store) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.wg.Wait()
	return s.Flush()
}

func (s *Store) markDirty() {
	s.dirty = true
}

// Snapshot returns a copy of the full shared memory.
func (s *Store) Snapshot() SharedMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mem := s.mem
	mem.Contacts = append([]Contact(nil), s.mem.Contacts...)
	mem.Deadlines = append([]Deadline(nil), s.mem.Deadlines...)
	mem.Journal.Entries = append([]JournalEntry(nil), s.mem.Journal.Entries...)
	mem.Journal.Assessments = append([]AssessmentResult(nil), s.mem.Journal.Assessments...)
	return mem
}

// --- working memory ---

// SetCurrentTask records what the agent is working on.
func (s *Store) SetCurrentTask(task string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Working.CurrentTask = task
	s.markDirty()
}

// TouchFile records a file as active in working memory.
func (s *Store) TouchFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.mem.Working.ActiveFiles {
		if f == path {
			return
		}
	}
	s.mem.Working.ActiveFiles = append(s.mem.Working.ActiveFiles, path)
	s.markDirty()
}

// RecordAction appends to the bounded action ring.
func (s *Store) RecordAction(actor, action, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Working.RecentActions = append(s.mem.Working.RecentActions, ActionRecord{
		Timestamp: time.Now(),
		Actor:     actor,
		Action:    action,
		Detail:    detail,
	})
	if n := len(s.mem.Working.RecentActions); n > maxRecentActions {
		s.mem.Working.RecentActions = s.mem.Working.RecentActions[n-maxRecentActions:]
	}
	s.markDirty()
}

// RecentActions returns a copy of the action ring.
func (s *Store) RecentActions() []ActionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ActionRecord(nil), s.mem.Working.RecentActions...)
}

// --- conversation ---

// AppendMessage records one conversation turn.
func (s *Store) AppendMessage(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Conversation.Messages = append(s.mem.Conversation.Messages, ConversationMessage{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
	s.markDirty()
}

// AddKeyFact records a distilled fact worth carrying across turns.
func (s *Store) AddKeyFact(fact string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Conversation.KeyFacts = append(s.mem.Conversation.KeyFacts, fact)
	s.markDirty()
}

// Conversation returns a copy of the conversation buffer.
func (s *Store) Conversation() ConversationBuffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := s.mem.Conversation
	buf.Messages = append([]ConversationMessage(nil), s.mem.Conversation.Messages...)
	buf.KeyFacts = append([]string(nil), s.mem.Conversation.KeyFacts...)
	return buf
}

// UserProfile returns the stored user profile.
func (s *Store) UserProfile() UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.User
}

// SetUserProfile replaces the user profile.
func (s *Store) SetUserProfile(p UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.User = p
	s.markDirty()
}

// --- contacts ---

// AddContact stores a contact, assigning id and creation time.
func (s *Store) AddContact(c Contact) (Contact, error) {
	if strings.TrimSpace(c.Name) == "" {
		return Contact{}, &ValidationError{Field: "name", Reason: "required"}
	}
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Contacts = append(s.mem.Contacts, c)
	s.markDirty()
	logging.Memory("added contact %s", c.Name)
	return c, nil
}

// FindContact matches by case-insensitive name substring.
func (s *Store) FindContact(name string) (Contact, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.mem.Contacts {
		if strings.Contains(strings.ToLower(c.Name), needle) {
			return c, nil
		}
	}
	return Contact{}, &NotFoundError{Kind: "contact", Name: name}
}

// Contacts returns all contacts.
func (s *Store) Contacts() []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Contact(nil), s.mem.Contacts...)
}

// --- deadlines ---

// AddDeadline stores a new deadline with an empty plan.
func (s *Store) AddDeadline(title, description string, due time.Time, priority string, tags []string) (Deadline, error) {
	if strings.TrimSpace(title) == "" {
		return Deadline{}, &ValidationError{Field: "title", Reason: "required"}
	}
	if due.IsZero() {
		return Deadline{}, &ValidationError{Field: "due_date", Reason: "required"}
	}
	d := Deadline{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		DueDate:     due,
		CreatedAt:   time.Now(),
		Priority:    priority,
		Status:      DeadlineActive,
		Tags:        tags,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Deadlines = append(s.mem.Deadlines, d)
	s.markDirty()
	logging.Memory("added deadline %q due %s", title, due.Format("2006-01-02"))
	return d, nil
}

// SetDeadlinePlan attaches a microtask plan and agent contributions to a
// deadline, replacing any previous plan.
func (s *Store) SetDeadlinePlan(deadlineID string, microtasks []Microtask, contributions []string) (Deadline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.mem.Deadlines {
		if s.mem.Deadlines[i].ID == deadlineID {
			s.mem.Deadlines[i].Microtasks = microtasks
			s.mem.Deadlines[i].AgentContributions = contributions
			s.mem.Deadlines[i].recomputeStatus()
			s.markDirty()
			return s.mem.Deadlines[i], nil
		}
	}
	return Deadline{}, &NotFoundError{Kind: "deadline", Name: deadlineID}
}

// Deadlines returns all deadlines.
func (s *Store) Deadlines() []Deadline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Deadline(nil), s.mem.Deadlines...)
}

// GetDeadline looks a deadline up by id.
func (s *Store) GetDeadline(id string) (Deadline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.mem.Deadlines {
		if d.ID == id {
			return d, nil
		}
	}
	return Deadline{}, &NotFoundError{Kind: "deadline", Name: id}
}

// UpcomingDeadlines returns active deadlines due within the window,
// soonest first.
func (s *Store) UpcomingDeadlines(now time.Time, within time.Duration) []Deadline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Deadline
	for _, d := range s.mem.Deadlines {
		if d.Status != DeadlineActive {
			continue
		}
		if d.DueDate.Before(now) || d.DueDate.Sub(now) <= within {
			out = append(out, d)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].DueDate.Before(out[j-1].DueDate); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// CompleteMicrotask marks one microtask done and recomputes deadline
// progress and status together so they cannot diverge.
func (s *Store) CompleteMicrotask(deadlineID, microtaskID, result string) (Deadline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.mem.Deadlines {
		if s.mem.Deadlines[i].ID != deadlineID {
			continue
		}
		d := &s.mem.Deadlines[i]
		for j := range d.Microtasks {
			if d.Microtasks[j].ID != microtaskID {
				continue
			}
			now := time.Now()
			d.Microtasks[j].Status = MicrotaskDone
			d.Microtasks[j].CompletedAt = &now
			d.Microtasks[j].Result = result
			d.recomputeStatus()
			s.markDirty()
			logging.Memory("microtask %q done, deadline %q at %d%%",
				d.Microtasks[j].Title, d.Title, d.ProgressPercent())
			return *d, nil
		}
		return Deadline{}, &NotFoundError{Kind: "microtask", Name: microtaskID}
	}
	return Deadline{}, &NotFoundError{Kind: "deadline", Name: deadlineID}
}

// --- journal ---

// AddJournalEntry records a timestamped journal entry.
func (s *Store) AddJournalEntry(text string, mood, energy *int, tags []string) (JournalEntry, error) {
	if strings.TrimSpace(text) == "" {
		return JournalEntry{}, &ValidationError{Field: "text", Reason: "required"}
	}
	entry := JournalEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Text:      text,
		Mood:      mood,
		Energy:    energy,
		Tags:      tags,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Journal.Entries = append(s.mem.Journal.Entries, entry)
	s.markDirty()
	return entry, nil
}

// JournalEntries returns all journal entries.
func (s *Store) JournalEntries() []JournalEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]JournalEntry(nil), s.mem.Journal.Entries...)
}

// GetQuestionnaire fetches a built-in instrument.
func (s *Store) GetQuestionnaire(id string) (*Questionnaire, error) {
	q, ok := questionnaires[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return nil, &NotFoundError{Kind: "questionnaire", Name: id}
	}
	return q, nil
}

// RecordAssessment scores a completed questionnaire and derives the
// trend against prior results. Scores run symptom-wise: lower is better,
// so a score two points under the recent average is improving, two over
// is declining, anything inside the band is stable.
func (s *Store) RecordAssessment(questionnaireID string, answers []int) (AssessmentResult, error) {
	q, err := s.GetQuestionnaire(questionnaireID)
	if err != nil {
		return AssessmentResult{}, err
	}
	if len(answers) != len(q.Questions) {
		return AssessmentResult{}, &ValidationError{
			Field:  "answers",
			Reason: fmt.Sprintf("expected %d answers, got %d", len(q.Questions), len(answers)),
		}
	}
	score := 0
	for i, a := range answers {
		item := q.Questions[i]
		if a < item.Min || a > item.Max {
			return AssessmentResult{}, &ValidationError{
				Field:  "answers",
				Reason: fmt.Sprintf("answer %d out of range %d-%d", i+1, item.Min, item.Max),
			}
		}
		score += a
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result := AssessmentResult{
		ID:              uuid.NewString(),
		QuestionnaireID: q.ID,
		Score:           score,
		MaxScore:        q.MaxScore(),
		Answers:         answers,
		Trend:           s.trendLocked(q.ID, score),
		Timestamp:       time.Now(),
	}
	s.mem.Journal.Assessments = append(s.mem.Journal.Assessments, result)
	s.markDirty()
	logging.Memory("assessment %s scored %d/%d (%s)", q.ID, score, result.MaxScore, result.Trend)
	return result, nil
}

// trendLocked compares score against the average of the 3 most recent
// prior results for the same questionnaire, with a ±2 stability band.
// No history means stable.
func (s *Store) trendLocked(questionnaireID string, score int) string {
	var prior []int
	for i := len(s.mem.Journal.Assessments) - 1; i >= 0 && len(prior) < 3; i-- {
		if s.mem.Journal.Assessments[i].QuestionnaireID == questionnaireID {
			prior = append(prior, s.mem.Journal.Assessments[i].Score)
		}
	}
	if len(prior) == 0 {
		return TrendStable
	}
	sum := 0
	for _, p := range prior {
		sum += p
	}
	avg := float64(sum) / float64(len(prior))
	switch {
	case float64(score) <= avg-2:
		return TrendImproving
	case float64(score) >= avg+2:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// Assessments returns the assessment history.
func (s *Store) Assessments() []AssessmentResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AssessmentResult(nil), s.mem.Journal.Assessments...)
}
