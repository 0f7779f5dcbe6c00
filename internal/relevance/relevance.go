// Package relevance decides whether a group-chat message that does not
// explicitly mention the bot still deserves an answer. The decision is a
// pure function over the message text and mention list, expressed as an
// ordered ruleset so keyword sets can grow without touching call sites.
package relevance

import (
	"strings"
	"unicode"
)

// Rule is one independently testable predicate. The filter answers true
// as soon as any rule matches.
type Rule struct {
	Name  string
	Match func(text string, mentions []string) bool
}

// Latin keywords are matched case-insensitively against the lowercased
// text; CJK keywords are matched as-is.
var (
	questionWords = []string{
		"什么", "怎么", "怎样", "如何", "为什么", "为啥", "哪个", "哪里", "几点", "多少",
		"what", "how", "why", "when", "where", "which", "who", "can", "could", "should", "would",
	}
	actionVerbs = []string{
		"帮我", "请问", "麻烦", "查一下", "看看", "告诉我", "解释", "翻译", "写个", "生成",
		"help", "please", "show", "explain", "check", "tell", "translate", "generate", "write",
	}
	addressTerms = []string{
		"机器人", "助手", "bot", "assistant", "hey", "hi",
	}
)

// DefaultRules is the ruleset evaluated by ShouldRespond, in order.
var DefaultRules = []Rule{
	{Name: "mention", Match: mentionRule},
	{Name: "question_mark", Match: questionMarkRule},
	{Name: "question_word", Match: keywordRule(questionWords)},
	{Name: "action_verb", Match: keywordRule(actionVerbs)},
	{Name: "address_term", Match: addressRule},
}

// ShouldRespond reports whether a group message with no media should be
// answered. Callers apply it only to group-context events.
func ShouldRespond(text string, mentions []string) bool {
	return Evaluate(DefaultRules, text, mentions)
}

func Evaluate(rules []Rule, text string, mentions []string) bool {
	text = strings.TrimSpace(text)
	for _, rule := range rules {
		if rule.Match(text, mentions) {
			return true
		}
	}
	return false
}

func mentionRule(_ string, mentions []string) bool {
	return len(mentions) > 0
}

func questionMarkRule(text string, _ []string) bool {
	return strings.HasSuffix(text, "?") || strings.HasSuffix(text, "？")
}

func keywordRule(words []string) func(string, []string) bool {
	return func(text string, _ []string) bool {
		lower := strings.ToLower(text)
		for _, word := range words {
			if isLatin(word) {
				if containsWord(lower, word) {
					return true
				}
				continue
			}
			if strings.Contains(text, word) {
				return true
			}
		}
		return false
	}
}

// addressRule matches text that opens with an address term followed by
// punctuation or whitespace, e.g. "bot, what's up" or "助手：查一下".
func addressRule(text string, _ []string) bool {
	lower := strings.ToLower(text)
	for _, term := range addressTerms {
		probe := lower
		if !isLatin(term) {
			probe = text
		}
		rest, ok := strings.CutPrefix(probe, term)
		if !ok {
			continue
		}
		if rest == "" {
			return true
		}
		r := []rune(rest)[0]
		if unicode.IsSpace(r) || unicode.IsPunct(r) || r == '：' {
			return true
		}
	}
	return false
}

// containsWord checks a Latin keyword on word boundaries so "can" does
// not fire inside "scandal".
func containsWord(lower, word string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordRune(rune(lower[start-1]))
		afterOK := end == len(lower) || !isWordRune(rune(lower[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isLatin(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
