package filter

import "strings"

// DefaultKeywords is the built-in block-list: promotional spam, link
// shorteners, chain messages, crypto schemes and phishing phrases.
var DefaultKeywords = []string{
	// spam and promotional
	"click here", "limited time", "act now", "free offer", "guaranteed",
	"make money fast", "work from home", "earn $$", "get rich quick",
	"buy now", "discount", "sale ends", "special offer", "promo code",
	"save up to", "clearance", "liquidation", "going out of business",

	// suspicious links and chain messages
	"bit.ly", "tinyurl", "click link", "forward this message",
	"share with friends", "send to contacts",

	// crypto and investment schemes
	"bitcoin", "crypto investment", "trading signals", "forex",
	"investment opportunity", "double your money",

	// phishing
	"congratulations you won", "you have been selected", "claim your prize",
	"verify account", "update payment",
}

// KeywordMatcher is a case-insensitive substring block-list
type KeywordMatcher struct {
	keywords []string
}

// NewKeywordMatcher builds a matcher from DefaultKeywords plus extra
func NewKeywordMatcher(extra []string) *KeywordMatcher {
	seen := make(map[string]bool)
	var keywords []string
	for _, kw := range append(append([]string{}, DefaultKeywords...), extra...) {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		keywords = append(keywords, kw)
	}
	return &KeywordMatcher{keywords: keywords}
}

// Match returns the first keyword contained in text
func (m *KeywordMatcher) Match(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range m.keywords {
		if strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}
