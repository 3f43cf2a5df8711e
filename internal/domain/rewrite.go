package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

var compiledRewrites sync.Map

// RewriteRule replaces the first match of Pattern in a request path.
type RewriteRule struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Replacement string `json:"replacement" yaml:"replacement"`
}

// RewriteRules keeps declaration order. It decodes from either an object
// ({"^/api": "/v2/api"}) or a list of {pattern, replacement} items and
// always encodes as a list.
type RewriteRules []RewriteRule

// UnmarshalJSON implements json.Unmarshaler.
func (r *RewriteRules) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = nil
		return nil
	}
	if data[0] == '[' {
		var list []RewriteRule
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*r = list
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("rewrite: expected object or list")
	}
	var rules RewriteRules
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("rewrite: expected string key")
		}
		var replacement string
		if err := dec.Decode(&replacement); err != nil {
			return fmt.Errorf("rewrite %q: %w", key, err)
		}
		rules = append(rules, RewriteRule{Pattern: key, Replacement: replacement})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = rules
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *RewriteRules) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []RewriteRule
		if err := node.Decode(&list); err != nil {
			return err
		}
		*r = list
		return nil
	case yaml.MappingNode:
		rules := make(RewriteRules, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var key, value string
			if err := node.Content[i].Decode(&key); err != nil {
				return err
			}
			if err := node.Content[i+1].Decode(&value); err != nil {
				return fmt.Errorf("rewrite %q: %w", key, err)
			}
			rules = append(rules, RewriteRule{Pattern: key, Replacement: value})
		}
		*r = rules
		return nil
	case 0:
		*r = nil
		return nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*r = nil
			return nil
		}
		return fmt.Errorf("rewrite: expected mapping or sequence at line %d", node.Line)
	default:
		return fmt.Errorf("rewrite: expected mapping or sequence at line %d", node.Line)
	}
}

// Compile reports the first rule whose pattern is not a valid regexp.
func (r RewriteRules) Compile() error {
	for _, rule := range r {
		if _, err := compileRewrite(rule.Pattern); err != nil {
			return fmt.Errorf("rewrite %q: %w", rule.Pattern, err)
		}
	}
	return nil
}

// Apply runs every rule against path in declaration order, each seeing the
// output of the previous one. Invalid patterns are skipped.
func (r RewriteRules) Apply(path string) string {
	for _, rule := range r {
		re, err := compileRewrite(rule.Pattern)
		if err != nil {
			continue
		}
		path = replaceFirst(re, path, rule.Replacement)
	}
	return path
}

// replaceFirst substitutes only the leftmost match, expanding $1 style
// references from that match.
func replaceFirst(re *regexp.Regexp, src, replacement string) string {
	match := re.FindStringSubmatchIndex(src)
	if match == nil {
		return src
	}
	out := make([]byte, 0, len(src)+len(replacement))
	out = append(out, src[:match[0]]...)
	out = re.ExpandString(out, replacement, src, match)
	out = append(out, src[match[1]:]...)
	return string(out)
}

func compileRewrite(pattern string) (*regexp.Regexp, error) {
	if cached, ok := compiledRewrites.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	compiledRewrites.Store(pattern, re)
	return re, nil
}
