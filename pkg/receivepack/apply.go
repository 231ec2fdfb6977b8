package receivepack

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/kptdev/gitd/pkg/refs"
)

// ApplyResult is Phase 5's outcome for the whole push.
type ApplyResult struct {
	Outcomes []CommandOutcome
	Atomic   bool
}

// Apply implements spec §4.8 Phase 5: atomic pushes reject everything if
// any command failed validation; otherwise apply in order, rolling back
// prior applies (best-effort) on any apply-time failure and appending
// rollback errors to the failing command's message rather than hiding
// them (open question 3 in DESIGN.md).
func Apply(refStore *refs.Store, outcomes []CommandOutcome, atomic bool) ApplyResult {
	anyFailed := false
	for _, o := range outcomes {
		if !o.OK {
			anyFailed = true
			break
		}
	}
	if atomic && anyFailed {
		for i := range outcomes {
			if outcomes[i].OK {
				outcomes[i].OK = false
				outcomes[i].Reason = "atomic push failed: other commands in the push were rejected"
			}
		}
		return ApplyResult{Outcomes: outcomes, Atomic: true}
	}

	var applied []int
	for i := range outcomes {
		o := &outcomes[i]
		if !o.OK {
			continue
		}
		if err := applyOne(refStore, *o); err != nil {
			o.OK = false
			o.Reason = err.Error()
			if rbErr := rollback(refStore, outcomes, applied); rbErr != nil {
				o.Reason = fmt.Sprintf("%s (rollback also failed: %v)", o.Reason, rbErr)
			}
			break
		}
		applied = append(applied, i)
	}

	return ApplyResult{Outcomes: outcomes, Atomic: atomic}
}

func applyOne(refStore *refs.Store, o CommandOutcome) error {
	cmd := o.Command
	if cmd.IsDelete() {
		old := cmd.OldSHA
		return refStore.DeleteRef(cmd.Ref, &old)
	}
	opts := refs.UpdateOptions{}
	if cmd.IsCreate() {
		// no old value asserted; AllowBlindOverwrite stays false so a
		// concurrently created ref of the same name is still caught.
	} else {
		old := cmd.OldSHA
		opts.OldValue = &old
	}
	return refStore.UpdateRef(cmd.Ref, cmd.NewSHA, opts)
}

// rollback restores every already-applied command (by index into
// outcomes) to its captured pre-value, in reverse order. When no
// pre-value was captured for a non-create command, its OldSHA is used:
// the applied CAS confirmed the ref held that value.
func rollback(refStore *refs.Store, outcomes []CommandOutcome, applied []int) error {
	var firstErr error
	for i := len(applied) - 1; i >= 0; i-- {
		o := outcomes[applied[i]]
		pre := o.preValue
		if pre == "" && !o.Command.IsCreate() {
			pre = o.Command.OldSHA
		}
		var err error
		if pre == "" {
			// was a create: undo by deleting
			newVal := o.Command.NewSHA
			err = refStore.DeleteRef(o.Command.Ref, &newVal)
		} else {
			err = refStore.UpdateRef(o.Command.Ref, pre, refs.UpdateOptions{OldValue: ptrTo(o.Command.NewSHA)})
		}
		if err != nil {
			klog.Warningf("receivepack: rollback of %s failed: %v", o.Command.Ref, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func ptrTo(s string) *string { return &s }
