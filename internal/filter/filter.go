// Package filter implements the Event Filter (§4.5): a server-side rule
// set evaluated against outbound events before they leave the broker.
package filter

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/sandboxbroker/broker/pkg/wire"
)

// maxPatternLength is the ReDoS guard: inputs longer than this are
// rejected without evaluation, per §4.5.
const maxPatternLength = 10_000

// Mode selects whether rules are an allow-list or a deny-list.
type Mode string

const (
	ModeInclude Mode = "include"
	ModeExclude Mode = "exclude"
)

// PatternType selects how Pattern.Value is compared against a field.
type PatternType string

const (
	PatternExact  PatternType = "exact"
	PatternPrefix PatternType = "prefix"
	PatternRegex  PatternType = "regex"
	PatternGlob   PatternType = "glob"
)

// Pattern matches a single dotted-path field of an event's payload against
// a value using one of four strategies.
type Pattern struct {
	Type            PatternType `json:"type"`
	Field           string      `json:"field,omitempty"`
	Value           string      `json:"pattern"`
	CaseInsensitive bool        `json:"caseInsensitive,omitempty"`

	compiled *regexp.Regexp // set by Compile for PatternRegex
}

// MatchMode selects how multiple patterns in a ContentFilter combine.
type MatchMode string

const (
	MatchAny MatchMode = "any"
	MatchAll MatchMode = "all"
)

// ContentFilter evaluates a set of Patterns against an event's payload.
type ContentFilter struct {
	Patterns []Pattern `json:"patterns"`
	Match    MatchMode `json:"match"`
}

// Rule matches an event iff both of its present sub-filters match; an
// absent sub-filter is vacuously true.
type Rule struct {
	Types   []wire.EventType `json:"types,omitempty"`
	Content *ContentFilter   `json:"content,omitempty"`
}

// Config is the Event Filter's configuration (§4.5).
type Config struct {
	Mode        Mode             `json:"mode"`
	Rules       []Rule           `json:"rules,omitempty"`
	AlwaysAllow []wire.EventType `json:"alwaysAllow,omitempty"`
}

// DefaultAlwaysAllow is the default always-allow set: a filter that
// accidentally hides every event still lets the client observe that the
// session ended.
func DefaultAlwaysAllow() []wire.EventType {
	return []wire.EventType{wire.EventFinal, wire.EventError, wire.EventHeartbeat}
}

// OnErrorFunc receives regex evaluation failures; a nil hook is a no-op.
type OnErrorFunc func(err error)

// Filter is a compiled, ready-to-evaluate Config.
type Filter struct {
	cfg     Config
	always  map[wire.EventType]bool
	onError OnErrorFunc
}

// Compile validates and compiles cfg, pre-compiling every regex pattern up
// front so matching never pays compilation cost and never panics on a bad
// pattern mid-stream.
func Compile(cfg Config, onError OnErrorFunc) (*Filter, error) {
	if cfg.Mode != ModeInclude && cfg.Mode != ModeExclude {
		return nil, fmt.Errorf("invalid filter mode %q", cfg.Mode)
	}
	always := cfg.AlwaysAllow
	if always == nil {
		always = DefaultAlwaysAllow()
	}
	alwaysSet := make(map[wire.EventType]bool, len(always))
	for _, t := range always {
		alwaysSet[t] = true
	}

	for ri := range cfg.Rules {
		rule := &cfg.Rules[ri]
		if rule.Content == nil {
			continue
		}
		for pi := range rule.Content.Patterns {
			p := &rule.Content.Patterns[pi]
			if len(p.Value) > maxPatternLength {
				return nil, fmt.Errorf("pattern at rule %d exceeds max length %d", ri, maxPatternLength)
			}
			if p.Type == PatternRegex {
				expr := p.Value
				if p.CaseInsensitive {
					expr = "(?i)" + expr
				}
				re, err := regexp.Compile(expr)
				if err != nil {
					return nil, fmt.Errorf("rule %d: invalid regex %q: %w", ri, p.Value, err)
				}
				p.compiled = re
			}
		}
		if rule.Content.Match == "" {
			rule.Content.Match = MatchAny
		}
	}

	return &Filter{cfg: cfg, always: alwaysSet, onError: onError}, nil
}

// ShouldSend decides whether e is delivered to the subscriber this filter
// is attached to.
func (f *Filter) ShouldSend(e wire.Event) bool {
	if f.always[e.Type] {
		return true
	}
	matched := f.anyRuleMatches(e)
	switch f.cfg.Mode {
	case ModeInclude:
		return matched
	case ModeExclude:
		return !matched
	default:
		return false
	}
}

func (f *Filter) anyRuleMatches(e wire.Event) bool {
	for _, rule := range f.cfg.Rules {
		if f.ruleMatches(rule, e) {
			return true
		}
	}
	return false
}

func (f *Filter) ruleMatches(rule Rule, e wire.Event) bool {
	if len(rule.Types) > 0 {
		found := false
		for _, t := range rule.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if rule.Content != nil {
		if !f.contentMatches(*rule.Content, e) {
			return false
		}
	}
	return true
}

func (f *Filter) contentMatches(cf ContentFilter, e wire.Event) bool {
	if len(cf.Patterns) == 0 {
		return true
	}
	matchAll := cf.Match == MatchAll
	matches := 0
	for _, p := range cf.Patterns {
		if f.patternMatches(p, e) {
			matches++
			if !matchAll {
				return true
			}
		} else if matchAll {
			return false
		}
	}
	if matchAll {
		return matches == len(cf.Patterns)
	}
	return matches > 0
}

func (f *Filter) patternMatches(p Pattern, e wire.Event) bool {
	value, ok := fieldValue(e, p.Field)
	if !ok {
		return false
	}
	target := p.Value
	if p.CaseInsensitive && p.Type != PatternRegex {
		value = strings.ToLower(value)
		target = strings.ToLower(target)
	}
	switch p.Type {
	case PatternExact:
		return value == target
	case PatternPrefix:
		return strings.HasPrefix(value, target)
	case PatternGlob:
		matched, err := filepath.Match(target, value)
		if err != nil {
			if f.onError != nil {
				f.onError(err)
			}
			return false
		}
		return matched
	case PatternRegex:
		if p.compiled == nil {
			return false
		}
		if len(value) > maxPatternLength {
			return false
		}
		defer func() {
			if r := recover(); r != nil && f.onError != nil {
				f.onError(fmt.Errorf("regex panic: %v", r))
			}
		}()
		return p.compiled.MatchString(value)
	default:
		return false
	}
}

// fieldValue traverses e (or, for "type"/"seq"/"sessionId", the envelope
// itself) via a dotted path and stringifies the result. Missing fields
// report ok=false, which is a vacuous non-match.
func fieldValue(e wire.Event, field string) (string, bool) {
	if field == "" {
		return string(e.Payload), true
	}
	switch field {
	case "type":
		return string(e.Type), true
	case "seq":
		return strconv.FormatUint(e.Seq, 10), true
	case "sessionId":
		return e.SessionID, true
	}

	var payload any
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return "", false
		}
	}
	parts := strings.Split(field, ".")
	cur := payload
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}
	return stringify(cur), true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
