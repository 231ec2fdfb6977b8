// Package httpapi exposes the Git smart-HTTP surface (/info/refs,
// git-receive-pack) plus C9's read-only query endpoints over gin,
// grounded on the pack's gin-based smart-HTTP dispatcher
// (wujunsea-afk-potstack's internal/git/http_server.go): repo-scoped
// route params, content-type-per-service headers, and a single
// dispatch handler per git service.
package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/auth"
	"github.com/kptdev/gitd/pkg/objectstore"
	"github.com/kptdev/gitd/pkg/pktline"
	"github.com/kptdev/gitd/pkg/protection"
	"github.com/kptdev/gitd/pkg/query"
	"github.com/kptdev/gitd/pkg/receivepack"
	"github.com/kptdev/gitd/pkg/refs"
	"github.com/kptdev/gitd/pkg/storage"
)

// Repository bundles the per-repository state one Server instance
// serves. gitd is single-repository per process (spec.md's scope never
// names multi-tenancy), so there is exactly one of these.
type Repository struct {
	ID          string
	RefStore    *refs.Store
	ObjStore    *objectstore.Store
	Index       *objectstore.ObjectIndex
	MainTier    storage.ObjectTier
	Registry    *protection.Registry
	Rules       []protection.Rule
	DefaultRule *protection.Rule
	Agent       string
	Sessions    *receivepack.SessionStore
	Query       *query.Surface
}

// Server wires a Repository to a gin.Engine. New only builds the Server;
// Routes registers every route method-handler pair onto a *gin.Engine the
// caller supplies, and the caller runs that engine itself
// (http.ListenAndServe, net/http/httptest, etc).
type Server struct {
	repo   *Repository
	policy auth.Policy
}

func New(repo *Repository, policy auth.Policy) *Server {
	return &Server{repo: repo, policy: policy}
}

// Routes registers the smart-HTTP and query routes onto engine.
func (s *Server) Routes(engine *gin.Engine) {
	engine.GET("/info/refs", s.handleInfoRefs)
	engine.POST("/git-receive-pack", s.handleReceivePack)

	q := engine.Group("/query")
	q.GET("/resolve", s.handleResolve)
	q.GET("/blob/:sha", s.handleReadBlob)
	q.GET("/tree/:sha", s.handleReadTree)
	q.GET("/commit/:sha", s.handleReadCommit)
	q.GET("/commits", s.handleWalkCommits)
	q.GET("/branches", s.handleListBranches)
	q.GET("/tags", s.handleListTags)
	q.GET("/stats", s.handleObjectStats)
	q.GET("/sessions/:id", s.handleSessionTrace)
}

func (s *Server) authorize(c *gin.Context, op auth.Operation) (auth.Result, bool) {
	res, err := s.policy.Authorize(c.Request.Context(), c.GetHeader("Authorization"), op)
	if err != nil {
		writeError(c, err)
		return auth.Result{}, false
	}
	if !res.Valid {
		writeError(c, giterrors.New(giterrors.Unauthorized, "authorization denied"))
		return auth.Result{}, false
	}
	return res, true
}

// pusherFromAuth derives a receivepack.Pusher from the scopes an
// auth.Result carries: the "admin" scope grants IsAdmin, and any
// "team:X" scope enrolls the pusher in team X. There is no richer
// identity surface than scopes at this boundary (auth.Result carries
// no dedicated admin/team fields), so this is the convention the
// protection bypass rules (spec §4.7 step 1) are evaluated against.
func pusherFromAuth(res auth.Result) receivepack.Pusher {
	p := receivepack.Pusher{User: res.User}
	for _, scope := range res.Scopes {
		switch {
		case scope == "admin":
			p.IsAdmin = true
		case strings.HasPrefix(scope, "team:"):
			p.UserTeams = append(p.UserTeams, strings.TrimPrefix(scope, "team:"))
		}
	}
	return p
}

func (s *Server) handleInfoRefs(c *gin.Context) {
	service := c.Query("service")
	op := auth.UploadPack
	if service == "git-receive-pack" {
		op = auth.ReceivePack
	}
	if _, ok := s.authorize(c, op); !ok {
		return
	}

	refAdvert, err := receivepack.AdvertiseRefs(s.repo.RefStore, s.repo.ObjStore, s.repo.Agent)
	if err != nil {
		writeError(c, err)
		return
	}

	preamble, err := pktline.Encode([]byte(fmt.Sprintf("# service=%s\n", service)))
	if err != nil {
		writeError(c, err)
		return
	}
	body := append(append(preamble, pktline.Flush()...), refAdvert...)

	c.Header("Content-Type", "application/x-"+service+"-advertisement")
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/x-"+service+"-advertisement", body)
}

func (s *Server) handleReceivePack(c *gin.Context) {
	res, ok := s.authorize(c, auth.ReceivePack)
	if !ok {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, giterrors.Wrap(giterrors.CorruptPack, err, "reading receive-pack request body"))
		return
	}

	sessionID := uuid.NewString()
	deps := receivepack.Dependencies{
		RefStore:    s.repo.RefStore,
		ObjStore:    s.repo.ObjStore,
		MainTier:    s.repo.MainTier,
		Registry:    s.repo.Registry,
		Rules:       s.repo.Rules,
		DefaultRule: s.repo.DefaultRule,
		Agent:       s.repo.Agent,
		Sessions:    s.repo.Sessions,
	}

	result, err := receivepack.Run(c.Request.Context(), deps, pusherFromAuth(res), sessionID, s.repo.ID, body)
	if err != nil {
		klog.Errorf("receive-pack session %s failed: %v", sessionID, err)
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "application/x-git-receive-pack-result")
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/x-git-receive-pack-result", result.ReportBody)
}

func (s *Server) handleResolve(c *gin.Context) {
	if _, ok := s.authorize(c, auth.UploadPack); !ok {
		return
	}
	sha, err := s.repo.Query.Resolve(c.Request.Context(), c.Query("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sha": sha})
}

func (s *Server) handleReadBlob(c *gin.Context) {
	if _, ok := s.authorize(c, auth.UploadPack); !ok {
		return
	}
	content, err := s.repo.Query.ReadBlob(c.Request.Context(), c.Param("sha"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", content)
}

func (s *Server) handleReadTree(c *gin.Context) {
	if _, ok := s.authorize(c, auth.UploadPack); !ok {
		return
	}
	entries, err := s.repo.Query.ReadTree(c.Request.Context(), c.Param("sha"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleReadCommit(c *gin.Context) {
	if _, ok := s.authorize(c, auth.UploadPack); !ok {
		return
	}
	commit, err := s.repo.Query.ReadCommit(c.Request.Context(), c.Param("sha"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, commit)
}

func (s *Server) handleWalkCommits(c *gin.Context) {
	if _, ok := s.authorize(c, auth.UploadPack); !ok {
		return
	}
	opts := query.WalkOptions{
		From:   c.Query("from"),
		Author: c.Query("author"),
		Grep:   c.Query("grep"),
	}
	if max := c.Query("max"); max != "" {
		if n, err := parsePositiveInt(max); err == nil {
			opts.Max = n
		}
	}
	commits, err := s.repo.Query.WalkCommits(c.Request.Context(), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, commits)
}

func (s *Server) handleListBranches(c *gin.Context) {
	if _, ok := s.authorize(c, auth.UploadPack); !ok {
		return
	}
	opts := query.BranchListOptions{Pattern: c.Query("pattern")}
	branches, err := s.repo.Query.ListBranches(c.Request.Context(), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, branches)
}

func (s *Server) handleListTags(c *gin.Context) {
	if _, ok := s.authorize(c, auth.UploadPack); !ok {
		return
	}
	opts := query.TagListOptions{Pattern: c.Query("pattern")}
	if c.Query("sort") == "version" {
		opts.Sort = query.TagSortByVersion
	}
	tags, err := s.repo.Query.ListTags(c.Request.Context(), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tags)
}

func (s *Server) handleObjectStats(c *gin.Context) {
	if _, ok := s.authorize(c, auth.UploadPack); !ok {
		return
	}
	c.JSON(http.StatusOK, s.repo.Query.ObjectStats())
}

func (s *Server) handleSessionTrace(c *gin.Context) {
	if _, ok := s.authorize(c, auth.UploadPack); !ok {
		return
	}
	trace, ok := s.repo.Query.SessionTrace(c.Param("id"))
	if !ok {
		writeError(c, giterrors.New(giterrors.NotFound, "no session trace for %s", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, trace)
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, giterrors.New(giterrors.InvalidName, "not a number: %s", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

// writeError maps a giterrors.Code to an HTTP status, copying any
// attached response headers (the 401 WWW-Authenticate challenge).
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := giterrors.Code("")
	var ge *giterrors.Error
	if asErr, ok := err.(*giterrors.Error); ok {
		ge = asErr
		code = ge.Code
	}
	switch code {
	case giterrors.NotFound:
		status = http.StatusNotFound
	case giterrors.AlreadyExists, giterrors.Conflict, giterrors.NonFastForward:
		status = http.StatusConflict
	case giterrors.InvalidName, giterrors.InvalidSha, giterrors.MalformedPktLine, giterrors.CorruptObject, giterrors.CorruptPack, giterrors.UnsupportedVersion:
		status = http.StatusUnprocessableEntity
	case giterrors.Locked:
		status = http.StatusLocked
	case giterrors.PackLimitExceeded:
		status = http.StatusRequestEntityTooLarge
	case giterrors.Protected, giterrors.HookRejected:
		status = http.StatusForbidden
	case giterrors.Unauthorized, giterrors.MalformedAuth:
		status = http.StatusUnauthorized
	case giterrors.CircularRef, giterrors.MaxDepthExceeded:
		status = http.StatusUnprocessableEntity
	}

	if ge != nil {
		for k, v := range ge.Headers() {
			c.Header(k, v)
		}
	}
	c.JSON(status, gin.H{"code": code, "message": err.Error()})
}
