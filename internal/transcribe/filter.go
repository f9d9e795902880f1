package transcribe

import "strings"

// Filter decides whether recognized text is a known hallucination.
type Filter interface {
	Match(text string) bool
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(text string) bool

// Match implements Filter.
func (f FilterFunc) Match(text string) bool { return f(text) }

// Denylist matches whole transcriptions case-insensitively after trimming.
type Denylist struct {
	phrases map[string]struct{}
}

// defaultPhrases are stock lines the speech model emits for near-silent audio.
var defaultPhrases = []string{
	"시청해주셔서 감사합니다",
	"시청해주셔서 감사합니다.",
	"시청해 주셔서 감사합니다.",
	"구독과 좋아요 부탁드립니다",
	"구독과 좋아요 부탁드립니다.",
	"MBC 뉴스 이덕영입니다.",
	"감사합니다.",
	"Thank you for watching.",
	"Thanks for watching!",
	"you",
}

// NewDenylist builds a denylist from phrases.
func NewDenylist(phrases ...string) *Denylist {
	d := &Denylist{phrases: make(map[string]struct{}, len(phrases))}
	for _, p := range phrases {
		d.Add(p)
	}
	return d
}

// DefaultDenylist returns a fresh copy of the built-in list.
func DefaultDenylist() *Denylist {
	return NewDenylist(defaultPhrases...)
}

// Add registers another phrase.
func (d *Denylist) Add(phrase string) {
	if key := normalize(phrase); key != "" {
		d.phrases[key] = struct{}{}
	}
}

// Match implements Filter.
func (d *Denylist) Match(text string) bool {
	_, ok := d.phrases[normalize(text)]
	return ok
}

// Len returns the number of phrases.
func (d *Denylist) Len() int { return len(d.phrases) }

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
