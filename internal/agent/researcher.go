package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"vessel/internal/logging"
)

// SearchStrategy is the researcher's output: an expanded query plan an
// external collaborator executes. The researcher itself performs no
// network I/O.
type SearchStrategy struct {
	Query           string   `json:"query"`
	ExpandedTerms   []string `json:"expanded_terms,omitempty"`
	VocabularyTerms []string `json:"vocabulary_terms,omitempty"`
	Sources         []string `json:"sources"`
	DateFilter      string   `json:"date_filter,omitempty"`
	TypeFilter      string   `json:"type_filter,omitempty"`
}

// domainExpansions is the fixed lookup table mapping a recognized domain
// term to related search terms.
var domainExpansions = map[string][]string{
	"sleep":      {"circadian rhythm", "sleep hygiene", "melatonin", "insomnia"},
	"exercise":   {"physical activity", "aerobic training", "resistance training"},
	"nutrition":  {"diet", "dietary intake", "micronutrients"},
	"stress":     {"cortisol", "stress management", "mindfulness"},
	"anxiety":    {"generalized anxiety", "panic", "cognitive behavioral therapy"},
	"depression": {"major depressive disorder", "mood", "behavioral activation"},
	"memory":     {"working memory", "recall", "cognitive function"},
	"focus":      {"attention", "concentration", "executive function"},
	"medication": {"pharmacotherapy", "dosage", "drug interactions"},
	"cancer":     {"oncology", "tumor", "chemotherapy"},
	"diabetes":   {"glucose", "insulin", "glycemic control"},
	"heart":      {"cardiovascular", "blood pressure", "cholesterol"},
}

// controlledVocabulary maps domain terms to indexing-vocabulary headings
// scholarly sources understand.
var controlledVocabulary = map[string][]string{
	"sleep":      {"Sleep Wake Disorders", "Circadian Rhythm"},
	"exercise":   {"Exercise", "Physical Fitness"},
	"nutrition":  {"Nutritional Status", "Diet, Food, and Nutrition"},
	"stress":     {"Stress, Psychological"},
	"anxiety":    {"Anxiety Disorders"},
	"depression": {"Depressive Disorder"},
	"medication": {"Drug Therapy"},
	"cancer":     {"Neoplasms"},
	"diabetes":   {"Diabetes Mellitus"},
	"heart":      {"Cardiovascular Diseases"},
}

// scholarly sources get picked when the query smells academic.
var scholarlyHints = []string{"pubmed", "study", "studies", "research", "paper", "trial", "evidence", "meta-analysis"}

// Researcher expands a query into a search strategy.
type Researcher struct {
	workerState
}

// NewResearcher creates a researcher.
func NewResearcher() *Researcher {
	return &Researcher{workerState: newWorkerState("researcher")}
}

// Execute builds the strategy for the task input and returns it as JSON
// output.
func (r *Researcher) Execute(ctx context.Context, task Task) (*Result, error) {
	if err := r.begin(StatusThinking); err != nil {
		return nil, err
	}
	start := time.Now()

	strategy := BuildSearchStrategy(task.Input)
	payload, err := json.MarshalIndent(strategy, "", "  ")
	if err != nil {
		r.finish(true)
		return &Result{Success: false, Err: err.Error(), Duration: time.Since(start)}, nil
	}

	logging.Workers("researcher: %d expanded terms, sources=%v", len(strategy.ExpandedTerms), strategy.Sources)
	r.finish(false)
	return &Result{
		Success:   true,
		Output:    string(payload),
		NextSteps: []string{"hand the strategy to the search collaborator"},
		Duration:  time.Since(start),
	}, nil
}

// BuildSearchStrategy applies the fixed expansion tables to a query.
func BuildSearchStrategy(query string) SearchStrategy {
	lower := strings.ToLower(query)
	strategy := SearchStrategy{Query: strings.TrimSpace(query)}

	for term, expansions := range domainExpansions {
		if strings.Contains(lower, term) {
			strategy.ExpandedTerms = append(strategy.ExpandedTerms, expansions...)
		}
	}
	for term, headings := range controlledVocabulary {
		if strings.Contains(lower, term) {
			strategy.VocabularyTerms = append(strategy.VocabularyTerms, headings...)
		}
	}

	scholarly := false
	for _, hint := range scholarlyHints {
		if strings.Contains(lower, hint) {
			scholarly = true
			break
		}
	}
	if scholarly {
		strategy.Sources = []string{"pubmed", "semantic-scholar"}
		strategy.TypeFilter = "peer-reviewed"
	} else {
		strategy.Sources = []string{"web"}
	}

	switch {
	case strings.Contains(lower, "recent"), strings.Contains(lower, "latest"), strings.Contains(lower, "new "):
		strategy.DateFilter = "last-2-years"
	case scholarly:
		strategy.DateFilter = "last-10-years"
	}
	return strategy
}
