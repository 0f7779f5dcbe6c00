package relevance

import "testing"

func TestShouldRespond(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		text     string
		mentions []string
		want     bool
	}{
		{name: "question word and mark", text: "how do I deploy this?", want: true},
		{name: "plain acknowledgement", text: "ok thanks", want: false},
		{name: "mention forces response", text: "whatever", mentions: []string{"ou_bot"}, want: true},
		{name: "ascii question mark", text: "is it ready?", want: true},
		{name: "fullwidth question mark", text: "准备好了吗？", want: true},
		{name: "cjk question word", text: "这个为什么失败了", want: true},
		{name: "cjk action verb", text: "帮我查一下日志", want: true},
		{name: "latin action verb", text: "please restart the worker", want: true},
		{name: "address term with comma", text: "bot, summarize the thread", want: true},
		{name: "cjk address term with colon", text: "助手：今天的日程", want: true},
		{name: "keyword inside larger word ignored", text: "the scandal was huge", want: false},
		{name: "latin keyword case insensitive", text: "How about now", want: true},
		{name: "empty text no mentions", text: "", want: false},
		{name: "small talk", text: "早上好", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ShouldRespond(tc.text, tc.mentions); got != tc.want {
				t.Fatalf("ShouldRespond(%q, %v) = %v, want %v", tc.text, tc.mentions, got, tc.want)
			}
		})
	}
}

func TestEvaluateCustomRuleset(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		{Name: "always_no", Match: func(string, []string) bool { return false }},
	}
	if Evaluate(rules, "how do I deploy this?", nil) {
		t.Fatal("custom ruleset must override defaults")
	}

	rules = append(rules, Rule{Name: "always_yes", Match: func(string, []string) bool { return true }})
	if !Evaluate(rules, "", nil) {
		t.Fatal("any matching rule must answer true")
	}
}
