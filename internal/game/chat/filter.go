package chat

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Filter masks listed words. Content is split into letter/digit tokens and
// each token matching a listed word, case-insensitively, is replaced by '*'
// repeated to the token's rune length.
type Filter struct {
	words map[string]struct{}
}

// NewFilter builds a Filter for words. Blank words are ignored.
func NewFilter(words []string) *Filter {
	f := &Filter{words: make(map[string]struct{}, len(words))}
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			f.words[strings.ToLower(w)] = struct{}{}
		}
	}
	return f
}

// Mask returns content with listed words masked and whether anything changed.
func (f *Filter) Mask(content string) (string, bool) {
	if len(f.words) == 0 {
		return content, false
	}
	changed := false
	out := tokenPattern.ReplaceAllStringFunc(content, func(tok string) string {
		if _, bad := f.words[strings.ToLower(tok)]; !bad {
			return tok
		}
		changed = true
		return strings.Repeat("*", utf8.RuneCountInString(tok))
	})
	return out, changed
}

// filterCache keeps the Filter for the current word list.
type filterCache struct {
	mu     sync.Mutex
	key    string
	filter *Filter
}

func (c *filterCache) get(words []string) *Filter {
	key := strings.Join(words, "\x00")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filter == nil || c.key != key {
		c.filter = NewFilter(words)
		c.key = key
	}
	return c.filter
}
