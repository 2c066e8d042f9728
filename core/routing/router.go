package routing

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var directivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(?:ok(?:ay)?|hey|please)?[\s,]*(?:can you\s+|could you\s+)?(?:please\s+)?(?:take|make|add|record|write|jot down)\s+(?:a\s+|another\s+)?note\b(?:\s+(?:that|of))?\s*[:,.\-]*\s*`),
	regexp.MustCompile(`(?i)^\s*note(?:\s*[:\-]\s*|\s+that\s+)`),
}

var ehrKeywords = []string{
	"medication", "medications", "meds", "prescription", "dose", "dosage",
	"lab", "labs", "laboratory", "blood test", "hemoglobin", "creatinine",
	"allergy", "allergies", "allergic",
	"history", "comorbidity", "comorbidities", "diagnosis", "diagnoses",
	"ehr", "record", "chart", "patient's", "vitals", "imaging", "ct scan", "mri",
}

// Router classifies inbound text into a handling path. Routing is local
// pattern matching and never calls external services.
type Router struct {
	ehrEnabled bool
}

type RouterOption func(*Router)

// WithEHR enables the EHR path. Without it record questions go to chat.
func WithEHR(enabled bool) RouterOption {
	return func(r *Router) { r.ehrEnabled = enabled }
}

func NewRouter(opts ...RouterOption) *Router {
	router := &Router{}
	for _, opt := range opts {
		opt(router)
	}
	return router
}

// Route picks the target for text. The first matching rule wins: note
// directives, then record keywords (when EHR is enabled), then chat.
// Malformed input is ignored.
func (r *Router) Route(text string, hasImage bool) Decision {
	if !utf8.ValidString(text) {
		logger.Warn("dropping message with invalid utf-8")
		return Decision{Target: TargetIgnore}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		logger.Warn("dropping empty message")
		return Decision{Target: TargetIgnore}
	}

	if stripped, ok := StripDirective(text); ok {
		return Decision{Target: TargetNotetaker, NormalizedText: stripped}
	}

	if r.ehrEnabled && MentionsRecord(text) {
		return Decision{Target: TargetEHR, NormalizedText: text}
	}

	logger.Debug("routing to chat", "has_image", hasImage)
	return Decision{Target: TargetChat, NormalizedText: text}
}

// StripDirective removes a leading note-taking directive. It reports
// whether text started with one.
func StripDirective(text string) (string, bool) {
	for _, pattern := range directivePatterns {
		loc := pattern.FindStringIndex(text)
		if loc == nil {
			continue
		}
		return strings.TrimSpace(text[loc[1]:]), true
	}
	return strings.TrimSpace(text), false
}

// MentionsRecord reports whether text asks about the patient record.
func MentionsRecord(text string) bool {
	lower := strings.ToLower(text)
	for _, keyword := range ehrKeywords {
		if containsWord(lower, keyword) {
			return true
		}
	}
	return false
}

// containsWord matches keyword on word boundaries, so "lab" does not match
// "label".
func containsWord(text, keyword string) bool {
	return indexWord(text, keyword, true)
}

// HasWordPrefix reports whether a word of the lower-cased text starts with
// prefix, so "port" matches "ports" but not "reported".
func HasWordPrefix(text, prefix string) bool {
	return indexWord(text, prefix, false)
}

func indexWord(text, keyword string, whole bool) bool {
	for offset := 0; ; {
		i := strings.Index(text[offset:], keyword)
		if i < 0 {
			return false
		}
		i += offset
		if i == 0 || !isWordRune(text[i-1]) {
			end := i + len(keyword)
			if !whole || end == len(text) || !isWordRune(text[end]) {
				return true
			}
		}
		offset = i + 1
	}
}

func isWordRune(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z'
}
