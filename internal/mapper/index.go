//file: internal/mapper/index.go
package mapper

import (
	"sort"
	"strings"
)

// compiledRule pairs a rule with its position in the version's rule list
// and the precomputed store-need flag of each target.
type compiledRule struct {
	pos     int
	rule    *Rule
	targets []compiledTarget
}

type compiledTarget struct {
	target     *Target
	needsStore bool
}

// snapshot is an immutable match index for one version. It is built in a
// single goroutine and only read afterwards, so it carries no locks; the
// engine swaps snapshots through an atomic pointer.
type snapshot struct {
	version  *Version
	exact    map[string][]*compiledRule
	wildcard *topicNode
}

type topicNode struct {
	children map[string]*topicNode
	rules    []*compiledRule
}

func newSnapshot(v *Version) *snapshot {
	s := &snapshot{
		version:  v,
		exact:    make(map[string][]*compiledRule),
		wildcard: &topicNode{children: make(map[string]*topicNode)},
	}

	for i := range v.Rules {
		r := &v.Rules[i]
		cr := &compiledRule{pos: i, rule: r}
		for j := range r.Targets {
			t := &r.Targets[j]
			cr.targets = append(cr.targets, compiledTarget{
				target:     t,
				needsStore: codeNeedsStore(t.Code),
			})
		}

		if strings.ContainsAny(r.SourceTopic, "+#") {
			s.addWildcard(cr)
		} else {
			s.exact[r.SourceTopic] = append(s.exact[r.SourceTopic], cr)
		}
	}
	return s
}

func (s *snapshot) addWildcard(cr *compiledRule) {
	current := s.wildcard
	for _, segment := range strings.Split(cr.rule.SourceTopic, "/") {
		next, ok := current.children[segment]
		if !ok {
			next = &topicNode{children: make(map[string]*topicNode)}
			current.children[segment] = next
		}
		current = next
	}
	current.rules = append(current.rules, cr)
}

// match returns every rule whose source pattern covers the topic, in
// rule-list order.
func (s *snapshot) match(topic string) []*compiledRule {
	var matches []*compiledRule
	matches = append(matches, s.exact[topic]...)

	if len(s.wildcard.children) > 0 {
		findWildcardMatches(s.wildcard, strings.Split(topic, "/"), 0, &matches)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].pos < matches[j].pos })
	return matches
}

func findWildcardMatches(node *topicNode, segments []string, depth int, matches *[]*compiledRule) {
	if depth == len(segments) {
		*matches = append(*matches, node.rules...)
		// "a/#" also covers "a" itself
		if hash, ok := node.children["#"]; ok {
			*matches = append(*matches, hash.rules...)
		}
		return
	}

	if child, ok := node.children[segments[depth]]; ok {
		findWildcardMatches(child, segments, depth+1, matches)
	}
	if child, ok := node.children["+"]; ok {
		findWildcardMatches(child, segments, depth+1, matches)
	}
	if child, ok := node.children["#"]; ok {
		*matches = append(*matches, child.rules...)
	}
}

// requiresStore reports whether any enabled target of a matching rule
// queries the store. Used as a cheap prefilter on the hot ingest path.
func (s *snapshot) requiresStore(topic string) bool {
	for _, cr := range s.match(topic) {
		for _, ct := range cr.targets {
			if ct.target.Enabled && ct.needsStore {
				return true
			}
		}
	}
	return false
}

// codeNeedsStore is a conservative substring check: whitespace runs are
// collapsed so formatting cannot hide an `await db` call.
func codeNeedsStore(code string) bool {
	normalized := strings.Join(strings.Fields(code), " ")
	return strings.Contains(normalized, "await db")
}
