package domain

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestRewriteRulesKeepJSONObjectOrder(t *testing.T) {
	var rules RewriteRules
	if err := json.Unmarshal([]byte(`{"^/api": "/v2/api", "^/old": "/new", "^/a": "/b"}`), &rules); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"^/api", "^/old", "^/a"}
	if len(rules) != len(want) {
		t.Fatalf("expected %d rules, got %d", len(want), len(rules))
	}
	for i, pattern := range want {
		if rules[i].Pattern != pattern {
			t.Fatalf("rule %d: expected %q, got %q", i, pattern, rules[i].Pattern)
		}
	}
	if rules[0].Replacement != "/v2/api" {
		t.Fatalf("unexpected replacement %q", rules[0].Replacement)
	}
}

func TestRewriteRulesAcceptJSONList(t *testing.T) {
	var rules RewriteRules
	payload := `[{"pattern":"^/x","replacement":"/y"}]`
	if err := json.Unmarshal([]byte(payload), &rules); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rules) != 1 || rules[0].Pattern != "^/x" || rules[0].Replacement != "/y" {
		t.Fatalf("unexpected rules %+v", rules)
	}
	encoded, err := json.Marshal(rules)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(encoded) != payload {
		t.Fatalf("expected list encoding, got %s", encoded)
	}
}

func TestRewriteRulesKeepYAMLMappingOrder(t *testing.T) {
	var holder struct {
		Rewrite RewriteRules `yaml:"rewrite"`
	}
	doc := "rewrite:\n  \"^/z\": /last\n  \"^/a\": /first\n"
	if err := yaml.Unmarshal([]byte(doc), &holder); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(holder.Rewrite) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(holder.Rewrite))
	}
	if holder.Rewrite[0].Pattern != "^/z" || holder.Rewrite[1].Pattern != "^/a" {
		t.Fatalf("order not preserved: %+v", holder.Rewrite)
	}
}

func TestNormalizeDomain(t *testing.T) {
	cases := map[string]string{
		"Example.COM":        "example.com",
		"example.com:8080":   "example.com",
		" app.example.com. ": "app.example.com",
		"[::1]:443":          "::1",
	}
	for input, want := range cases {
		if got := NormalizeDomain(input); got != want {
			t.Fatalf("NormalizeDomain(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestFrameworkKind(t *testing.T) {
	if FrameworkStatic.Kind() != KindStatic {
		t.Fatalf("static misclassified")
	}
	if ParseFramework(" Reverse-Proxy ").Kind() != KindReverseProxy {
		t.Fatalf("reverse-proxy misclassified")
	}
	if FrameworkNext.Kind() != KindCompute {
		t.Fatalf("nextjs should be compute")
	}
	if Framework("cobol").Kind() != KindUnknown {
		t.Fatalf("unknown framework should be KindUnknown")
	}
}

func TestAppendFailureKeepsNewestTen(t *testing.T) {
	var history []FailureEntry
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 15; i++ {
		history = AppendFailure(history, FailureEntry{Timestamp: base.Add(time.Duration(i) * time.Minute), Error: fmt.Sprintf("err-%d", i)})
	}
	if len(history) != MaxFailureHistory {
		t.Fatalf("expected %d entries, got %d", MaxFailureHistory, len(history))
	}
	if history[0].Error != "err-5" || history[len(history)-1].Error != "err-14" {
		t.Fatalf("unexpected window: first=%s last=%s", history[0].Error, history[len(history)-1].Error)
	}
}

func TestRouteCloneIsDeep(t *testing.T) {
	route := Route{
		Domain: "a.example.com",
		Config: &RouteConfig{
			Env:   map[string]string{"A": "1"},
			Proxy: &ProxyConfig{Target: "http://x", Headers: map[string]string{"H": "v"}},
		},
	}
	clone := route.Clone()
	clone.Config.Env["A"] = "2"
	clone.Config.Proxy.Headers["H"] = "changed"
	if route.Config.Env["A"] != "1" || route.Config.Proxy.Headers["H"] != "v" {
		t.Fatalf("clone shares maps with original")
	}
}

func TestRewriteRulesApplyInOrder(t *testing.T) {
	rules := RewriteRules{
		{Pattern: "^/api", Replacement: "/v2/api"},
		{Pattern: "/users$", Replacement: "/members"},
		{Pattern: "(", Replacement: "ignored"},
	}
	if got := rules.Apply("/api/users"); got != "/v2/api/members" {
		t.Fatalf("Apply = %q", got)
	}
	if got := rules.Apply("/static/app.js"); got != "/static/app.js" {
		t.Fatalf("non-matching path changed: %q", got)
	}
	if err := rules.Compile(); err == nil {
		t.Fatalf("expected invalid pattern to be reported")
	}
}

func TestRewriteRuleReplacesOnlyFirstMatch(t *testing.T) {
	rules := RewriteRules{{Pattern: "/api", Replacement: "/v2/api"}}
	if got := rules.Apply("/api/users/api"); got != "/v2/api/users/api" {
		t.Fatalf("Apply = %q", got)
	}
	groups := RewriteRules{{Pattern: `/v(\d+)/`, Replacement: "/version-${1}/"}}
	if got := groups.Apply("/v1/items/v2/"); got != "/version-1/items/v2/" {
		t.Fatalf("Apply with groups = %q", got)
	}
}
