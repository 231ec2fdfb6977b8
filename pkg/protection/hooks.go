package protection

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/kptdev/gitd/internal/giterrors"
)

// HookPoint names the four points spec §4.7 defines hooks at.
type HookPoint string

const (
	PreReceive  HookPoint = "pre-receive"
	Update      HookPoint = "update" // per-ref
	PostReceive HookPoint = "post-receive"
	PostUpdate  HookPoint = "post-update"
)

// HookMode controls whether a point's hooks run sequentially
// (first failure aborts) or in parallel (results collected).
type HookMode string

const (
	Sync  HookMode = "sync"
	Async HookMode = "async"
)

const defaultHookTimeout = 30 * time.Second
const defaultHookPriority = 100

// HookEnv is the payload/environment passed to a hook invocation. An
// in-process Run hook receives it as is; for a webhook, PushOptions are
// flattened into GIT_PUSH_OPTION_COUNT / GIT_PUSH_OPTION_{i} entries in
// the JSON payload (spec §4.7 "Environment to hooks").
type HookEnv struct {
	Repository  string
	Ref         string
	Commands    []CommandSummary
	PushOptions []string
	Results     []HookResult // populated for post-receive/post-update
}

// CommandSummary is the minimal per-ref command shape a hook payload
// needs; C8 supplies the full set on each invocation.
type CommandSummary struct {
	OldSHA string `json:"old_sha"`
	NewSHA string `json:"new_sha"`
	Ref    string `json:"ref"`
}

// HookResult is one hook's outcome, used both to decide pre-receive
// abort and to populate post-receive's payload.
type HookResult struct {
	Name    string
	OK      bool
	Message string
}

// Hook is a single registered hook: either an in-process function or a
// webhook (Dispatcher handles the actual webhook HTTP call).
type Hook struct {
	Name       string
	Point      HookPoint
	Priority   int // lower runs first
	TimeoutMS  int
	Enabled    bool
	Run        func(ctx context.Context, env HookEnv) error // nil if Webhook is set
	Webhook    *WebhookConfig
}

func (h Hook) priority() int {
	if h.Priority == 0 {
		return defaultHookPriority
	}
	return h.Priority
}

func (h Hook) timeout() time.Duration {
	if h.TimeoutMS == 0 {
		return defaultHookTimeout
	}
	return time.Duration(h.TimeoutMS) * time.Millisecond
}

// Registry holds configured hooks and a WebhookDispatcher for any that
// are webhook-backed.
type Registry struct {
	hooks      []Hook
	dispatcher *WebhookDispatcher
}

func NewRegistry(hooks []Hook, dispatcher *WebhookDispatcher) *Registry {
	return &Registry{hooks: hooks, dispatcher: dispatcher}
}

func (r *Registry) forPoint(point HookPoint) []Hook {
	var out []Hook
	for _, h := range r.hooks {
		if h.Point == point && h.Enabled {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority() < out[j].priority() })
	return out
}

// RunSync runs every enabled hook at point sequentially, aborting on the
// first failure (pre-receive's semantics per spec §4.7).
func (r *Registry) RunSync(ctx context.Context, point HookPoint, env HookEnv) ([]HookResult, error) {
	var results []HookResult
	for _, h := range r.forPoint(point) {
		res := r.invoke(ctx, h, env)
		results = append(results, res)
		if !res.OK {
			return results, giterrors.New(giterrors.HookRejected, "hook %s rejected: %s", h.Name, res.Message)
		}
	}
	return results, nil
}

// RunAsync runs every enabled hook at point in parallel, collecting all
// results rather than short-circuiting (post-receive/post-update's
// semantics, and update hooks which always run per-ref regardless of
// siblings' outcome).
func (r *Registry) RunAsync(ctx context.Context, point HookPoint, env HookEnv) []HookResult {
	hooks := r.forPoint(point)
	results := make([]HookResult, len(hooks))

	g, gctx := errgroup.WithContext(ctx)
	for i, h := range hooks {
		i, h := i, h
		g.Go(func() error {
			results[i] = r.invoke(gctx, h, env)
			return nil
		})
	}
	_ = g.Wait() // invoke() never returns an error through errgroup; results carry failures
	return results
}

func (r *Registry) invoke(ctx context.Context, h Hook, env HookEnv) HookResult {
	hctx, cancel := context.WithTimeout(ctx, h.timeout())
	defer cancel()

	var err error
	if h.Webhook != nil {
		if r.dispatcher == nil {
			err = giterrors.New(giterrors.HookRejected, "hook %s is webhook-backed but no dispatcher is configured", h.Name)
		} else {
			err = r.dispatcher.Dispatch(hctx, *h.Webhook, h.Name, env)
		}
	} else if h.Run != nil {
		err = h.Run(hctx, env)
	}

	if hctx.Err() != nil && err == nil {
		err = fmt.Errorf("hook %s timed out after %s", h.Name, h.timeout())
	}
	if err != nil {
		klog.Warningf("protection: hook %s at %s failed: %v", h.Name, h.Point, err)
		return HookResult{Name: h.Name, OK: false, Message: err.Error()}
	}
	return HookResult{Name: h.Name, OK: true}
}
