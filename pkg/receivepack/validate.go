package receivepack

import (
	"context"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/objfmt"
	"github.com/kptdev/gitd/pkg/objectstore"
	"github.com/kptdev/gitd/pkg/protection"
	"github.com/kptdev/gitd/pkg/refs"
)

// CommandOutcome is one command's validation/apply result, accumulated
// across Phase 4 and Phase 5 for the Phase 6 report.
type CommandOutcome struct {
	Command Command
	OK      bool
	Reason  string
	Forced  bool
	// preValue is this command's ref value immediately before apply,
	// captured for rollback; empty for a create.
	preValue string
}

// ValidateCommand implements spec §4.8 Phase 4 for one command against
// the quarantine-aware ancestry function and C7's protection rule.
func ValidateCommand(ctx context.Context, cmd Command, caps Capabilities, refStore *refs.Store, os *objectstore.Store, rule *protection.Rule, pushCtx protection.PushContext) CommandOutcome {
	if err := refs.ValidateName(cmd.Ref); err != nil {
		return reject(cmd, err.Error())
	}

	current, err := refStore.GetRef(cmd.Ref)
	if err != nil {
		return reject(cmd, err.Error())
	}
	var currentSHA string
	if current != nil {
		currentSHA = current.Target
	}

	if cmd.OldSHA != objfmt.ZeroSHA && cmd.OldSHA != currentSHA {
		return reject(cmd, "lock failed: ref has been updated")
	}

	pushCtx.RefName = cmd.Ref
	forced := false

	switch {
	case cmd.IsDelete():
		if !caps.DeleteRefs() {
			return reject(cmd, "deletion requires the delete-refs capability")
		}
		pushCtx.IsDelete = true
	case cmd.IsUpdate():
		isAncestor, err := os.IsAncestor(ctx, cmd.OldSHA, cmd.NewSHA, 0)
		if err != nil {
			return reject(cmd, err.Error())
		}
		if !isAncestor {
			pushCtx.IsNonFastForward = true
			// Non-fast-forward is rejected by default (spec P6): nothing
			// short of an explicitly configured protection rule grants the
			// exception, and that rule's own block_force_push (checked
			// below by Evaluate, subject to its bypass step) decides from
			// there.
			if rule == nil {
				return reject(cmd, "non-fast-forward update")
			}
			forced = true
		}
	}

	if !cmd.IsDelete() && rule != nil && (rule.RequireLinearHistory || rule.RequireSignedCommits) {
		hasMerge, hasUnsigned, err := newCommitFlags(os, cmd.OldSHA, cmd.NewSHA)
		if err != nil {
			return reject(cmd, err.Error())
		}
		pushCtx.HasMergeCommits = hasMerge
		pushCtx.HasUnsignedCommits = hasUnsigned
	}

	decision := protection.Evaluate(rule, pushCtx)
	if !decision.Allowed {
		// The reason is the rule's custom message when set, otherwise the
		// canonical check name (e.g. "force_push_blocked").
		reason := decision.Check
		if rule.CustomMessage != "" {
			reason = decision.Message
		}
		return reject(cmd, reason)
	}

	return CommandOutcome{Command: cmd, OK: true, Forced: forced, preValue: currentSHA}
}

func reject(cmd Command, reason string) CommandOutcome {
	return CommandOutcome{Command: cmd, OK: false, Reason: reason}
}

// newCommitFlags walks the commits reachable from newSHA down to (but not
// including) oldSHA, reporting whether any of them is a merge commit or
// lacks a GPG signature — the inputs §4.7's require_linear_history and
// require_signed_commits checks need. It only ever sees quarantine-visible
// commits, since os is the quarantine-aware store ValidateCommand was
// called with.
func newCommitFlags(os *objectstore.Store, oldSHA, newSHA string) (hasMerge, hasUnsigned bool, err error) {
	if newSHA == objfmt.ZeroSHA {
		return false, false, nil
	}
	visited := map[string]bool{}
	queue := []string{newSHA}
	for len(queue) > 0 {
		sha := queue[0]
		queue = queue[1:]
		if sha == oldSHA || visited[sha] {
			continue
		}
		visited[sha] = true
		if len(visited) > objectstore.DefaultFrontierCap {
			return false, false, giterrors.New(giterrors.MaxDepthExceeded, "commit flag walk exceeded frontier cap")
		}
		kind, content, e := os.Get(sha)
		if e != nil {
			if giterrors.Of(e, giterrors.NotFound) {
				continue
			}
			return false, false, e
		}
		if kind != objfmt.Commit {
			continue
		}
		commit, e := objfmt.DecodeCommit(content)
		if e != nil {
			return false, false, e
		}
		if len(commit.ParentSHAs) > 1 {
			hasMerge = true
		}
		if commit.GPGSignature == "" {
			hasUnsigned = true
		}
		queue = append(queue, commit.ParentSHAs...)
	}
	return hasMerge, hasUnsigned, nil
}
