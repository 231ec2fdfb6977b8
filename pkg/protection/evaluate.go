package protection

// PushContext carries everything the ten-step evaluation order (spec
// §4.7) needs about one ref command, gathered by C8 from the quarantine-
// aware view before calling Evaluate.
type PushContext struct {
	RefName            string
	User                string
	UserTeams           []string
	IsAdmin             bool
	IsDelete             bool
	IsNonFastForward     bool
	ApprovedReviewCount int
	HasMergeCommits      bool
	HasUnsignedCommits   bool
	PassedStatusChecks  []string
	IsBehindBase         bool
	HasUnresolvedConversations bool
}

// Decision is the supplemented result type: spec §4.7 only says a
// rejection "returns the rule's custom_message if set, else a canonical
// reason string", but C8's report-status output needs both the
// pass/fail outcome and which check produced it, so this names the
// check alongside the message rather than forcing callers to re-parse
// the reason string.
type Decision struct {
	Allowed bool
	Check   string // canonical check name, e.g. "force_push_blocked"; empty when Allowed
	Message string
}

func allow() Decision { return Decision{Allowed: true} }

func reject(check, canonical, custom string) Decision {
	msg := canonical
	if custom != "" {
		msg = custom
	}
	return Decision{Allowed: false, Check: check, Message: msg}
}

// Evaluate runs spec §4.7's ten-step order against ctx under rule.
// A nil rule allows everything (no protection configured for this ref).
func Evaluate(rule *Rule, ctx PushContext) Decision {
	if rule == nil {
		return allow()
	}

	// Step 1: bypass.
	if rule.AllowAdminBypass && ctx.IsAdmin {
		return allow()
	}
	if containsString(rule.BypassUsers, ctx.User) {
		return allow()
	}
	for _, team := range ctx.UserTeams {
		if containsString(rule.BypassTeams, team) {
			return allow()
		}
	}

	// Step 2: lock_branch.
	if rule.LockBranch {
		return reject("branch_locked", "branch is locked", rule.CustomMessage)
	}

	// Step 3: deletion.
	if ctx.IsDelete {
		if rule.BlockDeletion {
			return reject("deletion_blocked", "branch deletion is blocked", rule.CustomMessage)
		}
		return allow() // allowed delete skips remaining checks
	}

	// Step 4: force push.
	if ctx.IsNonFastForward && rule.BlockForcePush {
		return reject("force_push_blocked", "force push is blocked", rule.CustomMessage)
	}

	// Step 5: required reviews.
	if rule.RequiredReviews > ctx.ApprovedReviewCount {
		return reject("reviews_required", "required reviews not satisfied", rule.CustomMessage)
	}

	// Step 6: linear history.
	if rule.RequireLinearHistory && ctx.HasMergeCommits {
		return reject("linear_history_required", "linear history is required", rule.CustomMessage)
	}

	// Step 7: signed commits.
	if rule.RequireSignedCommits && ctx.HasUnsignedCommits {
		return reject("signed_commits_required", "signed commits are required", rule.CustomMessage)
	}

	// Step 8: required status checks.
	if missing := missingStrings(rule.RequiredStatusChecks, ctx.PassedStatusChecks); len(missing) > 0 {
		return reject("required_status_checks", "required status checks have not passed", rule.CustomMessage)
	}

	// Step 9: up to date.
	if rule.RequireUpToDate && ctx.IsBehindBase {
		return reject("up_to_date_required", "branch must be up to date with its base", rule.CustomMessage)
	}

	// Step 10: conversation resolution.
	if rule.RequireConversationResolution && ctx.HasUnresolvedConversations {
		return reject("conversation_resolution_required", "all conversations must be resolved", rule.CustomMessage)
	}

	return allow()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func missingStrings(required, passed []string) []string {
	passedSet := make(map[string]bool, len(passed))
	for _, p := range passed {
		passedSet[p] = true
	}
	var missing []string
	for _, r := range required {
		if !passedSet[r] {
			missing = append(missing, r)
		}
	}
	return missing
}
