package notes

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/koscakluka/ema-surgery/core/routing"
	"github.com/muesli/reflow/truncate"
)

type Category string

const (
	CategoryBleeding  Category = "Bleeding"
	CategoryTools     Category = "Tools"
	CategoryAnatomy   Category = "Anatomy"
	CategoryProcedure Category = "Procedure"
	CategoryGeneral   Category = "General"
)

// Note is a single recorded note. Notes change only through explicit edits
// by the session that created them.
type Note struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Timestamp     time.Time `json:"timestamp"`
	VideoTime     float64   `json:"video_time"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Category      Category  `json:"category"`
	SourceMessage *string   `json:"source_message,omitempty"`
}

const maxTitleWidth = 60

var (
	categoryKeywords = []struct {
		category Category
		keywords []string
	}{
		{CategoryBleeding, []string{"bleed", "blood", "hemorrhag", "haemorrhag", "ooz", "hemosta", "haemosta"}},
		{CategoryTools, []string{"hook", "clip", "grasper", "scissor", "irrigat", "suction", "bipolar", "trocar", "instrument", "stapler", "port"}},
		{CategoryAnatomy, []string{"gallbladder", "cystic", "artery", "duct", "liver", "omentum", "peritoneum", "calot", "vessel", "bowel"}},
		{CategoryProcedure, []string{"dissect", "incision", "suture", "extract", "retriev", "convert", "phase", "step", "start", "begin", "complet", "closure"}},
	}

	noteSpanPattern = regexp.MustCompile(`(?i)\bnote\s*:\s*([^\n]+)`)

	wrapperPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(?:ok(?:ay)?|sure|got it|alright|understood)\b[\s,.!:-]*`),
		regexp.MustCompile(`(?i)^\s*i(?:'ve| have)\s+(?:noted|recorded|added|saved|taken)(?:\s+(?:a|the|this))?(?:\s+note)?(?:\s+(?:that|of))?[\s,.!:-]*`),
		regexp.MustCompile(`(?i)^\s*(?:noted|recorded|saved)\s*[:,.!-]+\s*`),
		regexp.MustCompile(`(?i)^\s*(?:note|observation)\s+(?:recorded|added|saved|taken)[\s,.!:-]*`),
		regexp.MustCompile(`(?i)\s*(?:i(?:'ll| will)\s+(?:keep|add)\s+(?:that|it|this)[^.]*\.?)\s*$`),
	}
)

// Categorize assigns the first category with a keyword starting a word of
// content.
func Categorize(content string) Category {
	lower := strings.ToLower(content)
	for _, entry := range categoryKeywords {
		for _, keyword := range entry.keywords {
			if routing.HasWordPrefix(lower, keyword) {
				return entry.category
			}
		}
	}
	return CategoryGeneral
}

// ExtractContent chooses the note text from the user's utterance and the
// agent's reply. Preference: the utterance without its directive, a "note:"
// span in the reply, the reply without wrapper phrases, then a synthesized
// observation at videoTime.
func ExtractContent(sourceMessage, agentText string, videoTime float64) string {
	if content, _ := routing.StripDirective(sourceMessage); content != "" {
		return content
	}

	if match := noteSpanPattern.FindStringSubmatch(agentText); match != nil {
		if content := strings.TrimSpace(match[1]); content != "" {
			return content
		}
	}

	if content := stripWrappers(agentText); content != "" {
		return content
	}

	return fmt.Sprintf("Observation at %s.", FormatVideoTime(videoTime))
}

func stripWrappers(text string) string {
	text = strings.TrimSpace(text)
	for {
		before := text
		for _, pattern := range wrapperPatterns {
			text = strings.TrimSpace(pattern.ReplaceAllString(text, ""))
		}
		if text == before {
			break
		}
	}
	return text
}

// Title is the first line of content, truncated for display.
func Title(content string) string {
	title, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	return truncate.StringWithTail(title, maxTitleWidth, "…")
}

// FormatVideoTime renders seconds as mm:ss, or hh:mm:ss past an hour.
func FormatVideoTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	h, m, s := total/3600, total%3600/60, total%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
