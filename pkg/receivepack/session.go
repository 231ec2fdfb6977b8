package receivepack

import (
	"bytes"
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/objectstore"
	"github.com/kptdev/gitd/pkg/packfile"
	"github.com/kptdev/gitd/pkg/protection"
	"github.com/kptdev/gitd/pkg/refs"
	"github.com/kptdev/gitd/pkg/storage"
)

var tracer = otel.Tracer("github.com/kptdev/gitd/pkg/receivepack")

// CommandTiming is one command's elapsed validation duration, part of
// the supplemented SessionTrace feature (SPEC_FULL.md). Apply runs later
// for the whole push and is not included.
type CommandTiming struct {
	Ref      string
	Duration time.Duration
}

// HookTiming is one hook point's elapsed duration across every hook
// that ran at it.
type HookTiming struct {
	Point    protection.HookPoint
	Duration time.Duration
}

// SessionTrace is the supplemented per-push observability record
// (SPEC_FULL.md "SUPPLEMENTED FEATURES"): per-command and per-hook-point
// timing, retained for C9's query.SessionTrace(sessionID) to expose.
type SessionTrace struct {
	SessionID     string
	RepositoryID  string
	StartedAt     time.Time
	Duration      time.Duration
	CommandTimes  []CommandTiming
	HookTimes     []HookTiming
	UnpackOK      bool
	CommandCount  int
}

// SessionStore persists SessionTraces in memory for C9 to query; a
// production deployment would size-bound and age this out, which is
// exactly the kind of thing a real deployment profile would configure
// rather than this module hardcoding a retention policy.
type SessionStore struct {
	traces map[string]SessionTrace
}

func NewSessionStore() *SessionStore {
	return &SessionStore{traces: make(map[string]SessionTrace)}
}

func (s *SessionStore) record(t SessionTrace) { s.traces[t.SessionID] = t }

func (s *SessionStore) Get(sessionID string) (SessionTrace, bool) {
	t, ok := s.traces[sessionID]
	return t, ok
}

// Pusher is the authenticated identity behind one push, derived from the
// HTTP boundary's auth.Result and threaded into protection.PushContext so
// step 1's admin/user/team bypass (spec §4.7) can actually fire. Unlike
// Dependencies, this is per-request, not per-repository.
type Pusher struct {
	User      string
	UserTeams []string
	IsAdmin   bool
}

// Dependencies bundles everything one repository's receive-pack session
// needs; constructed once per repository and reused across sessions.
type Dependencies struct {
	RefStore   *refs.Store
	ObjStore   *objectstore.Store
	MainTier   storage.ObjectTier
	Registry   *protection.Registry
	Rules      []protection.Rule
	DefaultRule *protection.Rule
	Agent      string
	Sessions   *SessionStore
}

// Result is what a full receive-pack session produces: the report body
// ready to write to the response, plus the trace that was recorded.
type Result struct {
	ReportBody []byte
	Trace      SessionTrace
}

// Run executes spec §4.8 phases 2-6 end to end for one POST body
// (phase 1, advertisement, is a separate GET handled by AdvertiseRefs).
func Run(ctx context.Context, deps Dependencies, pusher Pusher, sessionID, repositoryID string, body []byte) (*Result, error) {
	ctx, span := tracer.Start(ctx, "receivepack.Run")
	defer span.End()

	start := time.Now()
	trace := SessionTrace{SessionID: sessionID, RepositoryID: repositoryID, StartedAt: start}

	req, err := ParseRequest(body)
	if err != nil {
		return nil, err
	}
	trace.CommandCount = len(req.Commands)

	hasNonDelete := false
	for _, c := range req.Commands {
		if !c.IsDelete() {
			hasNonDelete = true
			break
		}
	}

	unpack := UnpackStatus{OK: true}
	var quarantine *Quarantine
	if hasNonDelete && len(req.PackData) > 0 {
		quarantine = NewQuarantine(sessionID, deps.MainTier)
		_, err := packfile.Unpack(bytes.NewReader(req.PackData), packfile.DefaultLimits(), quarantine, func(obj packfile.Object) error {
			_, err := quarantine.PutObject(obj.Kind, obj.Content)
			return err
		})
		if err != nil {
			unpack = UnpackStatus{OK: false, Message: err.Error()}
		}
	}
	trace.UnpackOK = unpack.OK

	var outcomes []CommandOutcome
	if unpack.OK {
		qObjStore := deps.ObjStore
		if quarantine != nil {
			qObjStore = objectstore.New(quarantine)
		}
		for _, cmd := range req.Commands {
			cmdStart := time.Now()
			rule := protection.SelectRule(deps.Rules, cmd.Ref, deps.DefaultRule)
			pushCtx := protection.PushContext{User: pusher.User, UserTeams: pusher.UserTeams, IsAdmin: pusher.IsAdmin}
			outcome := ValidateCommand(ctx, cmd, req.Caps, deps.RefStore, qObjStore, rule, pushCtx)
			outcomes = append(outcomes, outcome)
			trace.CommandTimes = append(trace.CommandTimes, CommandTiming{Ref: cmd.Ref, Duration: time.Since(cmdStart)})
		}

		if deps.Registry != nil {
			hookStart := time.Now()
			env := protection.HookEnv{Repository: repositoryID, PushOptions: req.PushOptions}
			for _, o := range outcomes {
				env.Commands = append(env.Commands, protection.CommandSummary{OldSHA: o.Command.OldSHA, NewSHA: o.Command.NewSHA, Ref: o.Command.Ref})
			}
			if _, err := deps.Registry.RunSync(ctx, protection.PreReceive, env); err != nil {
				for i := range outcomes {
					outcomes[i].OK = false
					outcomes[i].Reason = err.Error()
				}
			}
			trace.HookTimes = append(trace.HookTimes, HookTiming{Point: protection.PreReceive, Duration: time.Since(hookStart)})
		}
	} else {
		for _, cmd := range req.Commands {
			outcomes = append(outcomes, CommandOutcome{Command: cmd, OK: false, Reason: "unpack failed"})
		}
	}

	result := Apply(deps.RefStore, outcomes, req.Caps.Atomic())

	anySucceeded := false
	for _, o := range result.Outcomes {
		if o.OK {
			anySucceeded = true
			break
		}
	}
	if unpack.OK && quarantine != nil {
		if anySucceeded {
			if err := quarantine.Commit(deps.MainTier); err != nil {
				return nil, giterrors.Wrap(giterrors.CorruptObject, err, "committing quarantine")
			}
		} else {
			quarantine.Abort()
		}
	}

	if deps.Registry != nil {
		hookStart := time.Now()
		env := protection.HookEnv{Repository: repositoryID, PushOptions: req.PushOptions}
		for _, o := range result.Outcomes {
			env.Commands = append(env.Commands, protection.CommandSummary{OldSHA: o.Command.OldSHA, NewSHA: o.Command.NewSHA, Ref: o.Command.Ref})
			env.Results = append(env.Results, protection.HookResult{Name: o.Command.Ref, OK: o.OK, Message: o.Reason})
		}
		deps.Registry.RunAsync(ctx, protection.PostReceive, env)
		trace.HookTimes = append(trace.HookTimes, HookTiming{Point: protection.PostReceive, Duration: time.Since(hookStart)})
	}

	report, err := FormatReport(unpack, result.Outcomes, req.Caps)
	if err != nil {
		return nil, err
	}
	report, err = WrapSideBand(report, req.Caps)
	if err != nil {
		return nil, err
	}

	trace.Duration = time.Since(start)
	if deps.Sessions != nil {
		deps.Sessions.record(trace)
	}

	return &Result{ReportBody: report, Trace: trace}, nil
}
