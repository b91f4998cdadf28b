package orchestrator

import "strings"

// Tag is a classified intent. The set is closed; anything unmatched is
// conversation.
type Tag string

const (
	TagCode          Tag = "code"
	TagResearch      Tag = "research"
	TagEmail         Tag = "email"
	TagDeadline      Tag = "deadline"
	TagJournal       Tag = "journal"
	TagQuestionnaire Tag = "questionnaire"
	TagDigest        Tag = "digest"
	TagConversation  Tag = "conversation"
)

type intentRule struct {
	tag      Tag
	keywords []string
}

// intentRules is ordered; the first rule with a matching keyword wins.
// More specific intents sit above broader ones so "research my exam
// deadline" still routes to research.
var intentRules = []intentRule{
	{TagQuestionnaire, []string{"questionnaire", "assessment", "phq", "gad", "screening"}},
	{TagCode, []string{"code", "debug", "script", "program", "compile", "function", "bug", "error message", "run this"}},
	{TagResearch, []string{"research", "pubmed", "look up", "look into", "find studies", "literature", "search for"}},
	{TagEmail, []string{"email", "e-mail", "inbox", "reply to", "write to", "draft a message"}},
	{TagDigest, []string{"digest", "recap", "summary of my", "summarize my", "how am i doing"}},
	{TagDeadline, []string{"deadline", "due date", "due on", "due by", "submit", "exam", "presentation", "thesis"}},
	{TagJournal, []string{"journal", "diary", "mood", "feeling", "felt", "today was"}},
}

// Classify normalizes the message and matches it against the ordered
// keyword rules.
func Classify(text string) Tag {
	normalized := strings.ToLower(strings.TrimSpace(text))
	for _, rule := range intentRules {
		for _, kw := range rule.keywords {
			if strings.Contains(normalized, kw) {
				return rule.tag
			}
		}
	}
	return TagConversation
}

// workerTable is the static tag-to-worker mapping. Tags without a
// specialist fall through to the companion.
var workerTable = map[Tag]string{
	TagCode:     "coder",
	TagResearch: "researcher",
	TagDeadline: "reporter",
}

// WorkerFor returns the target worker name for a tag, defaulting to the
// companion.
func WorkerFor(tag Tag) string {
	if w, ok := workerTable[tag]; ok {
		return w
	}
	return "companion"
}
