package protection_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kptdev/gitd/pkg/protection"
)

func TestSelectRulePrefersMostSpecific(t *testing.T) {
	rules := []protection.Rule{
		{Pattern: "refs/heads/**", CustomMessage: "wildcard-any"},
		{Pattern: "refs/heads/release-*", CustomMessage: "wildcard-single"},
		{Pattern: "refs/heads/release-1.0", CustomMessage: "exact"},
	}
	got := protection.SelectRule(rules, "refs/heads/release-1.0", nil)
	if assert.NotNil(t, got) {
		assert.Equal(t, "exact", got.CustomMessage)
	}
}

func TestSelectRuleFallsBackToDefault(t *testing.T) {
	def := protection.Rule{CustomMessage: "default"}
	got := protection.SelectRule(nil, "refs/heads/main", &def)
	if assert.NotNil(t, got) {
		assert.Equal(t, "default", got.CustomMessage)
	}
}

func TestSelectRuleNoMatchNoDefault(t *testing.T) {
	rules := []protection.Rule{{Pattern: "refs/tags/*"}}
	got := protection.SelectRule(rules, "refs/heads/main", nil)
	assert.Nil(t, got)
}

func TestEvaluateBypassAllowsAdmin(t *testing.T) {
	rule := &protection.Rule{LockBranch: true, AllowAdminBypass: true}
	d := protection.Evaluate(rule, protection.PushContext{IsAdmin: true})
	assert.True(t, d.Allowed)
}

func TestEvaluateLockBranchRejects(t *testing.T) {
	rule := &protection.Rule{LockBranch: true}
	d := protection.Evaluate(rule, protection.PushContext{})
	assert.False(t, d.Allowed)
	assert.Equal(t, "branch_locked", d.Check)
}

func TestEvaluateDeletionAllowedSkipsRemainingChecks(t *testing.T) {
	rule := &protection.Rule{RequiredReviews: 5}
	d := protection.Evaluate(rule, protection.PushContext{IsDelete: true})
	assert.True(t, d.Allowed)
}

func TestEvaluateDeletionBlocked(t *testing.T) {
	rule := &protection.Rule{BlockDeletion: true}
	d := protection.Evaluate(rule, protection.PushContext{IsDelete: true})
	assert.False(t, d.Allowed)
	assert.Equal(t, "deletion_blocked", d.Check)
}

func TestEvaluateForcePushBlocked(t *testing.T) {
	rule := &protection.Rule{BlockForcePush: true}
	d := protection.Evaluate(rule, protection.PushContext{IsNonFastForward: true})
	assert.False(t, d.Allowed)
	assert.Equal(t, "force_push_blocked", d.Check)
}

func TestEvaluateCustomMessageOverridesCanonical(t *testing.T) {
	rule := &protection.Rule{LockBranch: true, CustomMessage: "talk to platform team"}
	d := protection.Evaluate(rule, protection.PushContext{})
	assert.Equal(t, "talk to platform team", d.Message)
}

func TestEvaluateNilRuleAllows(t *testing.T) {
	d := protection.Evaluate(nil, protection.PushContext{IsNonFastForward: true})
	assert.True(t, d.Allowed)
}

func TestEvaluateRequiredStatusChecks(t *testing.T) {
	rule := &protection.Rule{RequiredStatusChecks: []string{"ci", "lint"}}
	d := protection.Evaluate(rule, protection.PushContext{PassedStatusChecks: []string{"ci"}})
	assert.False(t, d.Allowed)
	assert.Equal(t, "required_status_checks", d.Check)

	d = protection.Evaluate(rule, protection.PushContext{PassedStatusChecks: []string{"ci", "lint"}})
	assert.True(t, d.Allowed)
}
