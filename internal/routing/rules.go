// Package routing decides which channel an application stream belongs to.
package routing

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/undertone-audio/undertone/internal/channel"
)

// PatternType selects how a rule pattern is matched against an app's binary
// path or program name.
type PatternType string

const (
	// PatternExact matches the whole name.
	PatternExact PatternType = "exact"
	// PatternPrefix matches the start of the name.
	PatternPrefix PatternType = "prefix"
	// PatternSubstring matches anywhere in the name. This is the type user
	// routes created over IPC get.
	PatternSubstring PatternType = "substring"
	// PatternRegex compiles the pattern as a regular expression.
	PatternRegex PatternType = "regex"
)

// ParsePatternType maps a stored pattern type, defaulting to substring.
func ParsePatternType(s string) PatternType {
	switch PatternType(s) {
	case PatternExact, PatternPrefix, PatternSubstring, PatternRegex:
		return PatternType(s)
	}
	return PatternSubstring
}

// Rule maps a pattern to a target channel. Higher priority rules are tried
// first.
type Rule struct {
	Pattern     string      `json:"pattern"`
	PatternType PatternType `json:"pattern_type"`
	Channel     string      `json:"channel"`
	Priority    int         `json:"priority"`
	Persistent  bool        `json:"persistent"`
}

var regexCache sync.Map // pattern -> *regexp.Regexp

// Matches reports whether the rule matches the given name. Matching is
// case-insensitive for all pattern types except regex, which is taken as
// written.
func (r Rule) Matches(name string) bool {
	if name == "" || r.Pattern == "" {
		return false
	}
	haystack := strings.ToLower(name)
	needle := strings.ToLower(r.Pattern)

	switch r.PatternType {
	case PatternExact:
		return haystack == needle
	case PatternPrefix:
		return strings.HasPrefix(haystack, needle)
	case PatternRegex:
		re, err := compiled(r.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(name)
	default:
		return strings.Contains(haystack, needle)
	}
}

func compiled(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// Defaults returns the routing rules seeded on first run.
func Defaults() []Rule {
	return []Rule{
		{Pattern: "discord", PatternType: PatternPrefix, Channel: channel.Voice, Priority: 100},
		{Pattern: "zoom", PatternType: PatternPrefix, Channel: channel.Voice, Priority: 100},
		{Pattern: "teams", PatternType: PatternPrefix, Channel: channel.Voice, Priority: 100},
		{Pattern: "spotify", PatternType: PatternExact, Channel: channel.Music, Priority: 100},
		{Pattern: "rhythmbox", PatternType: PatternExact, Channel: channel.Music, Priority: 100},
		{Pattern: "firefox", PatternType: PatternExact, Channel: channel.Browser, Priority: 50},
		{Pattern: "chromium", PatternType: PatternPrefix, Channel: channel.Browser, Priority: 50},
		{Pattern: "chrome", PatternType: PatternPrefix, Channel: channel.Browser, Priority: 50},
		{Pattern: "steam", PatternType: PatternExact, Channel: channel.Game, Priority: 100},
	}
}

// Stream carries the classification inputs of one application stream.
type Stream struct {
	// Binary is the full binary path from the graph node properties.
	Binary string
	// Name is the human application name.
	Name string
}

// baseName strips the directory part of a binary path.
func baseName(binary string) string {
	if idx := strings.LastIndexByte(binary, '/'); idx >= 0 {
		return binary[idx+1:]
	}
	return binary
}

// RuleSet is an ordered set of routing rules plus exact binary routes. The
// zero value is usable.
type RuleSet struct {
	rules    []Rule
	binaries map[string]string // lowercase binary path -> channel
	overlay  map[string]string // profile overlay, lowercase binary -> channel
}

// NewRuleSet builds a rule set from stored rules and binary routes.
func NewRuleSet(rules []Rule, binaries map[string]string) *RuleSet {
	rs := &RuleSet{}
	rs.Replace(rules, binaries)
	return rs
}

// Replace swaps in a new set of rules and binary routes.
func (rs *RuleSet) Replace(rules []Rule, binaries map[string]string) {
	rs.rules = make([]Rule, len(rules))
	copy(rs.rules, rules)
	sort.SliceStable(rs.rules, func(i, j int) bool {
		return rs.rules[i].Priority > rs.rules[j].Priority
	})

	rs.binaries = make(map[string]string, len(binaries))
	for binary, target := range binaries {
		rs.binaries[strings.ToLower(binary)] = target
	}
}

// SetOverlay installs a profile's route overlay. Entries override the
// globals; anything absent falls through. An empty or nil map inherits the
// globals untouched.
func (rs *RuleSet) SetOverlay(routes map[string]string) {
	if len(routes) == 0 {
		rs.overlay = nil
		return
	}
	rs.overlay = make(map[string]string, len(routes))
	for binary, target := range routes {
		rs.overlay[strings.ToLower(binary)] = target
	}
}

// Rules returns a copy of the current rules in priority order.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Classify picks the channel for a stream: profile overlay first, then an
// explicit binary route, then the pattern rules in priority order, then the
// default channel.
func (rs *RuleSet) Classify(stream Stream) string {
	binary := strings.ToLower(stream.Binary)
	base := baseName(binary)

	for _, key := range []string{binary, base} {
		if key == "" {
			continue
		}
		if target, ok := rs.overlay[key]; ok {
			return target
		}
	}
	for _, key := range []string{binary, base} {
		if key == "" {
			continue
		}
		if target, ok := rs.binaries[key]; ok {
			return target
		}
	}

	for _, rule := range rs.rules {
		if rule.Matches(base) || rule.Matches(stream.Binary) || rule.Matches(stream.Name) {
			return rule.Channel
		}
	}
	return channel.DefaultChannel
}
