package answer

import "strings"

// followUpKeywords mark a request to expand on or repeat the previous answer.
var followUpKeywords = []string{
	"자세히",
	"자세하게",
	"더 알려",
	"다시 말해",
	"다시 설명",
	"반복",
}

// IsFollowUp reports whether text contains any follow-up keyword.
func IsFollowUp(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range followUpKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ForQuestion builds the request for question given the last completed turn.
// Context and detailed mode are used only for a follow-up with a prior turn.
func ForQuestion(question string, last *Turn) Request {
	if last != nil && IsFollowUp(question) {
		prev := *last
		return Request{Question: question, Previous: &prev, Detailed: true}
	}
	return Request{Question: question}
}
