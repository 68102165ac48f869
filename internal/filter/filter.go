// Package filter implements the opaque per-pod "filter" rule named in
// spec.md §3 (PodRecord.Filter) and left deliberately unspecified by
// spec.md §9's Open Questions ("the filter field is stored but its
// interpretation ... differs across source revisions; implementers must
// choose one and document it").
//
// This implementation is grounded on filter/src/lib.rs in
// original_source, which carries exactly the two modes resolved here:
// a whole-line regex and a JSON-key -> regex map. Because spec.md's
// PodRecord carries one opaque string rather than original_source's two
// separate rule collections, Parse picks the mode from the string's shape:
// a filter containing "key=pattern[,key=pattern...]" is a JSON-key filter;
// anything else is a whole-line regex. An empty filter string means "no
// filter configured" and passes every line, matching scenario S2 in
// spec.md §8 (filter:"" must not drop the appended line).
package filter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Filter decides whether one raw log line should be forwarded to a sink.
type Filter struct {
	raw       string
	lineRegex *regexp.Regexp            // whole-line mode
	jsonRules map[string]*regexp.Regexp // JSON-key mode; nil if not in this mode
}

// Parse compiles spec into a Filter. An empty spec is valid and always
// passes.
func Parse(spec string) (*Filter, error) {
	spec = strings.TrimSpace(spec)
	f := &Filter{raw: spec}
	if spec == "" {
		return f, nil
	}

	if looksLikeJSONKeyRules(spec) {
		rules, err := parseJSONKeyRules(spec)
		if err != nil {
			return nil, err
		}
		f.jsonRules = rules
		return f, nil
	}

	re, err := regexp.Compile(spec)
	if err != nil {
		return nil, fmt.Errorf("filter: compile whole-line pattern %q: %w", spec, err)
	}
	f.lineRegex = re
	return f, nil
}

// looksLikeJSONKeyRules reports whether spec is shaped like one or more
// "key=pattern" pairs rather than a bare regular expression.
func looksLikeJSONKeyRules(spec string) bool {
	for _, part := range strings.Split(spec, ",") {
		if !strings.Contains(part, "=") {
			return false
		}
	}
	return true
}

func parseJSONKeyRules(spec string) (map[string]*regexp.Regexp, error) {
	rules := make(map[string]*regexp.Regexp)
	for _, part := range strings.Split(spec, ",") {
		key, pattern, ok := strings.Cut(part, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("filter: malformed json-key rule %q", part)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("filter: compile pattern for key %q: %w", key, err)
		}
		rules[key] = re
	}
	return rules, nil
}

// Pass reports whether line should be forwarded to the pod's output sink.
func (f *Filter) Pass(line string) bool {
	if f == nil || f.raw == "" {
		return true
	}
	if f.jsonRules != nil {
		return f.passJSON(line)
	}
	return f.lineRegex.MatchString(line)
}

func (f *Filter) passJSON(line string) bool {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return false
	}
	for key, re := range f.jsonRules {
		v, ok := obj[key]
		if !ok {
			return false
		}
		s, ok := v.(string)
		if !ok || !re.MatchString(s) {
			return false
		}
	}
	return true
}
