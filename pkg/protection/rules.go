// Package protection implements branch protection rule evaluation and
// the hook registry (spec.md §4.7): glob-matched rules with specificity
// scoring, a ten-step evaluation order, and sync/async hook dispatch
// including HMAC-signed webhooks.
package protection

import (
	"strings"
)

// Rule is one configured protection rule. Fields mirror spec §4.7's
// evaluation-order checks one-to-one.
type Rule struct {
	Pattern                        string
	AllowAdminBypass                bool
	BypassUsers                     []string
	BypassTeams                     []string
	LockBranch                      bool
	BlockDeletion                   bool
	BlockForcePush                  bool
	RequiredReviews                 int
	RequireLinearHistory            bool
	RequireSignedCommits            bool
	RequiredStatusChecks            []string
	RequireUpToDate                 bool
	RequireConversationResolution   bool
	CustomMessage                   string
}

// matchSpecificity scores how specific a glob is against name, per spec
// §4.7: "exact > (pattern length × 10) − (100·`**` count + 10·`*`
// count)". Returns (score, matched).
func matchSpecificity(pattern, name string) (int, bool) {
	if pattern == name {
		return 1 << 30, true // exact match always wins
	}
	if !globMatch(pattern, name) {
		return 0, false
	}
	doubleStars := strings.Count(pattern, "**")
	// count single '*' occurrences that are not part of a "**" run
	singleStars := strings.Count(pattern, "*") - 2*doubleStars
	score := len(pattern)*10 - (100*doubleStars + 10*singleStars)
	return score, true
}

// globMatch implements the three wildcard forms spec §4.7 names: `*`
// (no slash), `**` (any, including slash), `?` (single char).
func globMatch(pattern, name string) bool {
	return matchSegments(splitGlob(pattern), name)
}

// splitGlob tokenizes pattern into literal runs and wildcard markers so
// matchSegments can do simple greedy backtracking without regexp (the
// teacher's config layer never pulls in a glob library for something
// this small; spec.md's three wildcard forms don't need one either).
type globToken struct {
	star2   bool // **
	star    bool // * (no slash)
	any     bool // ?
	literal string
}

func splitGlob(pattern string) []globToken {
	var tokens []globToken
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, globToken{literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(pattern); i++ {
		switch {
		case strings.HasPrefix(pattern[i:], "**"):
			flush()
			tokens = append(tokens, globToken{star2: true})
			i++
		case pattern[i] == '*':
			flush()
			tokens = append(tokens, globToken{star: true})
		case pattern[i] == '?':
			flush()
			tokens = append(tokens, globToken{any: true})
		default:
			lit.WriteByte(pattern[i])
		}
	}
	flush()
	return tokens
}

func matchSegments(tokens []globToken, name string) bool {
	if len(tokens) == 0 {
		return name == ""
	}
	t := tokens[0]
	switch {
	case t.literal != "":
		if !strings.HasPrefix(name, t.literal) {
			return false
		}
		return matchSegments(tokens[1:], name[len(t.literal):])
	case t.any:
		if name == "" {
			return false
		}
		return matchSegments(tokens[1:], name[1:])
	case t.star:
		// consume greedily, backtracking on "/" boundary only
		for i := 0; i <= len(name); i++ {
			if strings.ContainsRune(name[:i], '/') {
				break
			}
			if matchSegments(tokens[1:], name[i:]) {
				return true
			}
		}
		return false
	case t.star2:
		for i := 0; i <= len(name); i++ {
			if matchSegments(tokens[1:], name[i:]) {
				return true
			}
		}
		return false
	}
	return false
}

// SelectRule returns the most specific rule matching refName among
// rules, or defaultRule (which may be nil) if none match.
func SelectRule(rules []Rule, refName string, defaultRule *Rule) *Rule {
	var best *Rule
	bestScore := -1
	for i := range rules {
		score, ok := matchSpecificity(rules[i].Pattern, refName)
		if !ok {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = &rules[i]
		}
	}
	if best == nil {
		return defaultRule
	}
	return best
}
