package memory

import "strconv"

// Question is one item of a questionnaire, answered on a bounded scale.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Min  int    `json:"min"`
	Max  int    `json:"max"`
}

// Questionnaire is a fixed validated instrument the journal worker can
// administer and score.
type Questionnaire struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Questions []Question `json:"questions"`
}

// MaxScore is the highest possible total.
func (q *Questionnaire) MaxScore() int {
	total := 0
	for _, item := range q.Questions {
		total += item.Max
	}
	return total
}

// Built-in questionnaires. The instrument set is closed; unknown ids are
// a NotFoundError at the store boundary.
var questionnaires = map[string]*Questionnaire{
	"phq-9": {
		ID:   "phq-9",
		Name: "Patient Health Questionnaire (PHQ-9)",
		Questions: scale03(
			"Little interest or pleasure in doing things",
			"Feeling down, depressed, or hopeless",
			"Trouble falling or staying asleep, or sleeping too much",
			"Feeling tired or having little energy",
			"Poor appetite or overeating",
			"Feeling bad about yourself or that you are a failure",
			"Trouble concentrating on things",
			"Moving or speaking noticeably slowly, or being fidgety or restless",
			"Thoughts that you would be better off dead or of hurting yourself",
		),
	},
	"gad-7": {
		ID:   "gad-7",
		Name: "Generalized Anxiety Disorder scale (GAD-7)",
		Questions: scale03(
			"Feeling nervous, anxious, or on edge",
			"Not being able to stop or control worrying",
			"Worrying too much about different things",
			"Trouble relaxing",
			"Being so restless that it is hard to sit still",
			"Becoming easily annoyed or irritable",
			"Feeling afraid as if something awful might happen",
		),
	},
}

func scale03(texts ...string) []Question {
	items := make([]Question, len(texts))
	for i, text := range texts {
		items[i] = Question{ID: itemID(i), Text: text, Min: 0, Max: 3}
	}
	return items
}

func itemID(i int) string {
	return "q" + strconv.Itoa(i+1)
}

// QuestionnaireIDs lists the available instruments.
func QuestionnaireIDs() []string {
	ids := make([]string, 0, len(questionnaires))
	for id := range questionnaires {
		ids = append(ids, id)
	}
	return ids
}
