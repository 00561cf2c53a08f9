package control

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bdobrica/Sekimori/common/tokens"
	"github.com/bdobrica/Sekimori/internal/sekimori/audit"
	"github.com/bdobrica/Sekimori/internal/sekimori/gitexec"
	"github.com/bdobrica/Sekimori/internal/sekimori/logaccess"
	"github.com/bdobrica/Sekimori/internal/sekimori/ratelimit"
	"github.com/bdobrica/Sekimori/internal/sekimori/session"
)

// handleRegister mints a session for a freshly launched container. Only the
// launcher may call it, proven by the shared secret header.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.launcherAuthorized(r) {
		s.cfg.Audit.Record(ctx, audit.Entry{
			Operation: "session.register",
			Decision:  audit.DecisionDeny,
			Rule:      "launcher-secret",
			Reason:    "missing or wrong launcher secret",
			SourceIP:  peerIP(r),
		})
		writeError(w, errOf(http.StatusUnauthorized, KindUnauthorized, "launcher secret required"))
		return
	}

	var req RegisterRequest
	if e := decodeBody(r, &req); e != nil {
		writeError(w, e)
		return
	}
	if req.ContainerID == "" || req.ContainerIP == "" {
		writeError(w, errOf(http.StatusBadRequest, KindBadRequest, "container_id and container_ip are required"))
		return
	}
	mode, err := session.ParseMode(req.Mode)
	if err != nil {
		writeError(w, errOf(http.StatusBadRequest, KindInvalidMode,
			fmt.Sprintf("mode must be %q or %q", session.ModePrivate, session.ModePublic)))
		return
	}

	if s.cfg.Verifier != nil {
		if err := s.cfg.Verifier.VerifyBinding(ctx, req.ContainerID, req.ContainerIP); err != nil {
			s.cfg.Audit.Record(ctx, audit.Entry{
				ContainerID: req.ContainerID,
				Operation:   "session.register",
				Target:      req.ContainerIP,
				Decision:    audit.DecisionDeny,
				Rule:        "container-binding",
				Reason:      s.scrub(err.Error()),
				SourceIP:    peerIP(r),
			})
			writeError(w, errOf(http.StatusUnauthorized, KindUnauthorized,
				"container binding could not be verified"))
			return
		}
	}

	raw, sess, err := s.cfg.Sessions.Register(req.ContainerID, req.ContainerIP, mode)
	if err != nil {
		writeError(w, errOf(http.StatusInternalServerError, KindInternal, "session could not be created"))
		return
	}

	s.recordDecision(ctx, r, sess, "session.register", req.ContainerID, audit.DecisionAllow, "launcher-secret", "")
	writeJSON(w, http.StatusCreated, RegisterResponse{
		Success: true,
		Token:   raw,
		Session: summarize(sess),
	})
}

// handleValidate authenticates a token and heartbeats the session. The call
// itself is budgeted under the credential-access class.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, e := s.authenticateRecorded(r, "session.validate")
	if e != nil {
		writeError(w, e)
		return
	}
	if e := s.rateLimit(sess, ratelimit.ClassCredentialAccess); e != nil {
		s.recordDecision(ctx, r, sess, "session.validate", "", audit.DecisionDeny, "rate-limit", e.reason)
		writeError(w, e)
		return
	}

	s.recordDecision(ctx, r, sess, "session.validate", "", audit.DecisionAllow, "session-auth", "")
	writeJSON(w, http.StatusOK, ValidateResponse{
		Success:     true,
		Valid:       true,
		Mode:        sess.Mode,
		ContainerID: sess.ContainerID,
		ExpiresAt:   sess.ExpiresAt,
	})
}

// handleDelete removes a session. Launcher-only, like register.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.launcherAuthorized(r) {
		writeError(w, errOf(http.StatusUnauthorized, KindUnauthorized, "launcher secret required"))
		return
	}
	var req DeleteRequest
	if e := decodeBody(r, &req); e != nil {
		writeError(w, e)
		return
	}
	if req.Token == "" {
		writeError(w, errOf(http.StatusBadRequest, KindBadRequest, "token is required"))
		return
	}

	digest := tokens.Digest(req.Token)
	deleted := s.cfg.Sessions.Delete(req.Token)
	if deleted {
		// Drop the session's counters so a future session cannot inherit them.
		s.cfg.Limiter.Forget(digest)
	}

	s.cfg.Audit.Record(ctx, audit.Entry{
		SessionPrefix: tokens.Prefix(digest),
		Operation:     "session.delete",
		Decision:      audit.DecisionAllow,
		Rule:          "launcher-secret",
		SourceIP:      peerIP(r),
	})
	writeJSON(w, http.StatusOK, DeleteResponse{Success: true, Deleted: deleted})
}

// handleGitExecute runs an allow-listed git operation through the full
// pipeline. Read-only operations need only a valid session; push and branch
// mutations additionally pass rate limiting, branch ownership, and the
// visibility check.
func (s *Server) handleGitExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, e := s.authenticateRecorded(r, "git.execute")
	if e != nil {
		writeError(w, e)
		return
	}

	var req GitExecuteRequest
	if e := decodeBody(r, &req); e != nil {
		writeError(w, e)
		return
	}
	if req.RepoPath == "" || req.Operation == "" {
		writeError(w, errOf(http.StatusBadRequest, KindBadRequest, "repo_path and operation are required"))
		return
	}
	mode, e := authModeOf(req.AuthMode)
	if e != nil {
		writeError(w, e)
		return
	}

	op := "git." + req.Operation
	class, err := gitexec.Classify(req.Operation)
	if err != nil {
		s.recordDecision(ctx, r, sess, op, req.Repo, audit.DecisionDeny, "git-allowlist", err.Error())
		writeError(w, errOf(http.StatusForbidden, KindNotPermitted,
			fmt.Sprintf("git operation %q is not permitted", req.Operation)))
		return
	}

	if class != gitexec.OpReadOnly {
		rateClass := ratelimit.ClassBranchOperation
		if class == gitexec.OpPush {
			rateClass = ratelimit.ClassGitPush
		}
		if e := s.rateLimit(sess, rateClass); e != nil {
			s.recordDecision(ctx, r, sess, op, req.Repo, audit.DecisionDeny, "rate-limit", e.reason)
			writeError(w, e)
			return
		}

		if req.Repo == "" || req.Branch == "" {
			writeError(w, errOf(http.StatusBadRequest, KindBadRequest,
				"repo and branch are required for mutating operations"))
			return
		}
		res := s.cfg.Policy.BranchOwnership(ctx, req.Repo, req.Branch, mode)
		if e := s.auditPolicy(ctx, r, sess, op, req.Repo+"#"+req.Branch, res); e != nil {
			writeError(w, e)
			return
		}
		if e := s.checkVisibility(ctx, sess, req.Repo); e != nil {
			s.recordDecision(ctx, r, sess, op, req.Repo, audit.DecisionDeny, "mode-visibility", e.reason)
			writeError(w, e)
			return
		}
	} else {
		// Read-only operations skip ownership but not the visibility check
		// when they name a repository.
		if req.Repo != "" {
			if e := s.checkVisibility(ctx, sess, req.Repo); e != nil {
				s.recordDecision(ctx, r, sess, op, req.Repo, audit.DecisionDeny, "mode-visibility", e.reason)
				writeError(w, e)
				return
			}
		}
		s.recordDecision(ctx, r, sess, op, req.Repo, audit.DecisionAllow, "git-allowlist", "")
	}

	result, err := s.cfg.Runner.Git(ctx, req.RepoPath, req.Operation, req.Args)
	if e := mapRunError(err); e != nil {
		s.recordDecision(ctx, r, sess, op, req.Repo, audit.DecisionDeny, "subprocess", e.reason)
		writeError(w, e)
		return
	}
	writeJSON(w, http.StatusOK, GitExecuteResponse{Success: true, Result: result})
}

// prOps maps the path operation to its dispatcher. Merge is absent on
// purpose: it is denied before dispatch is ever considered.
var prOps = map[string]bool{
	"create":  true,
	"comment": true,
	"close":   true,
	"update":  true,
	"merge":   true,
}

// handlePR runs a pull-request operation. All PR mutations share the
// pr-mutation rate class; merge is always denied.
func (s *Server) handlePR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	prOp := r.PathValue("op")

	sess, e := s.authenticateRecorded(r, "pr."+prOp)
	if e != nil {
		writeError(w, e)
		return
	}
	if !prOps[prOp] {
		writeError(w, errOf(http.StatusForbidden, KindNotPermitted,
			fmt.Sprintf("PR operation %q is not permitted", prOp)))
		return
	}

	var req PRRequest
	if e := decodeBody(r, &req); e != nil {
		writeError(w, e)
		return
	}
	if req.Repo == "" {
		writeError(w, errOf(http.StatusBadRequest, KindBadRequest, "repo is required"))
		return
	}
	mode, e := authModeOf(req.AuthMode)
	if e != nil {
		writeError(w, e)
		return
	}

	op := "pr." + prOp
	target := req.Repo
	if req.PRNumber > 0 {
		target = fmt.Sprintf("%s#%d", req.Repo, req.PRNumber)
	}

	if e := s.rateLimit(sess, ratelimit.ClassPRMutation); e != nil {
		s.recordDecision(ctx, r, sess, op, target, audit.DecisionDeny, "rate-limit", e.reason)
		writeError(w, e)
		return
	}

	// Policy step. Each operation has its own rule; merge short-circuits.
	switch prOp {
	case "merge":
		// Merging sits outside the permitted operation set entirely, so the
		// wire kind is operation-not-permitted rather than a policy deny.
		res := s.cfg.Policy.MergeAllowed(req.Repo, req.PRNumber)
		s.recordDecision(ctx, r, sess, op, target, audit.DecisionDeny, res.Rule, res.Reason)
		writeError(w, errOf(http.StatusForbidden, KindNotPermitted, res.Reason))
		return
	case "create":
		if req.HeadBranch == "" || req.Title == "" {
			writeError(w, errOf(http.StatusBadRequest, KindBadRequest, "head_branch and title are required"))
			return
		}
		res := s.cfg.Policy.BranchOwnership(ctx, req.Repo, req.HeadBranch, mode)
		if e := s.auditPolicy(ctx, r, sess, op, target, res); e != nil {
			writeError(w, e)
			return
		}
	case "comment":
		if req.PRNumber <= 0 || req.Comment == "" {
			writeError(w, errOf(http.StatusBadRequest, KindBadRequest, "pr_number and comment are required"))
			return
		}
		res := s.cfg.Policy.PRCommentAllowed(ctx, req.Repo, req.PRNumber)
		if e := s.auditPolicy(ctx, r, sess, op, target, res); e != nil {
			writeError(w, e)
			return
		}
	case "close", "update":
		if req.PRNumber <= 0 {
			writeError(w, errOf(http.StatusBadRequest, KindBadRequest, "pr_number is required"))
			return
		}
		res := s.cfg.Policy.PROwnership(ctx, req.Repo, req.PRNumber, mode)
		if e := s.auditPolicy(ctx, r, sess, op, target, res); e != nil {
			writeError(w, e)
			return
		}
	}

	if e := s.checkVisibility(ctx, sess, req.Repo); e != nil {
		s.recordDecision(ctx, r, sess, op, target, audit.DecisionDeny, "mode-visibility", e.reason)
		writeError(w, e)
		return
	}

	result, err := s.cfg.Runner.HostCLI(ctx, prArgs(prOp, &req))
	if e := mapRunError(err); e != nil {
		s.recordDecision(ctx, r, sess, op, target, audit.DecisionDeny, "subprocess", e.reason)
		writeError(w, e)
		return
	}
	writeJSON(w, http.StatusOK, PRResponse{Success: true, Result: result})
}

// prArgs builds the host-CLI argument vector for an allowed PR operation.
func prArgs(op string, req *PRRequest) []string {
	num := strconv.Itoa(req.PRNumber)
	switch op {
	case "create":
		args := []string{"pr", "create", "-R", req.Repo,
			"--head", req.HeadBranch, "--title", req.Title, "--body", req.Body}
		if req.BaseBranch != "" {
			args = append(args, "--base", req.BaseBranch)
		}
		return args
	case "comment":
		return []string{"pr", "comment", num, "-R", req.Repo, "--body", req.Comment}
	case "close":
		return []string{"pr", "close", num, "-R", req.Repo}
	case "update":
		args := []string{"pr", "edit", num, "-R", req.Repo}
		if req.Title != "" {
			args = append(args, "--title", req.Title)
		}
		if req.Body != "" {
			args = append(args, "--body", req.Body)
		}
		return args
	default:
		return nil
	}
}

// mapRunError translates subprocess failures into wire errors. nil err maps
// to nil: exit codes are reported in the result, not as errors.
func mapRunError(err error) *apiError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gitexec.ErrTimeout):
		return errOf(http.StatusGatewayTimeout, KindTimeout, "subprocess timed out")
	case errors.Is(err, gitexec.ErrClientClosed):
		// 499 is the de facto client-closed status; the client is gone but
		// the audit trail still wants a terminal record.
		return &apiError{status: 499, kind: KindClientClosed, reason: "client closed connection"}
	case errors.Is(err, gitexec.ErrNotPermitted):
		return errOf(http.StatusForbidden, KindNotPermitted, "operation not permitted")
	default:
		return errOf(http.StatusInternalServerError, KindInternal, "subprocess failed to run")
	}
}

// handleLogsList enumerates the indexed log files owned by the requester's
// container. Nothing outside that container is ever listed.
func (s *Server) handleLogsList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, e := s.authenticateRecorded(r, "logs.list")
	if e != nil {
		writeError(w, e)
		return
	}
	if e := s.rateLimit(sess, ratelimit.ClassLogAccess); e != nil {
		s.recordDecision(ctx, r, sess, "logs.list", "", audit.DecisionDeny, "rate-limit", e.reason)
		writeError(w, e)
		return
	}

	entries := s.cfg.Index.EntriesForContainer(sess.ContainerID)
	if entries == nil {
		entries = []logaccess.Entry{}
	}
	s.recordDecision(ctx, r, sess, "logs.list", sess.ContainerID, audit.DecisionAllow, "log-container-owner", "")
	writeJSON(w, http.StatusOK, LogsListResponse{Success: true, Entries: entries})
}

// handleLogsTask reads one task's logs. The path ID may be a task ID or a
// thread ID; threads resolve to their task before the ownership check.
func (s *Server) handleLogsTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	sess, e := s.authenticateRecorded(r, "logs.task")
	if e != nil {
		writeError(w, e)
		return
	}
	if e := s.rateLimit(sess, ratelimit.ClassLogAccess); e != nil {
		s.recordDecision(ctx, r, sess, "logs.task", id, audit.DecisionDeny, "rate-limit", e.reason)
		writeError(w, e)
		return
	}

	taskID := id
	if _, ok := s.cfg.Index.ContainerForTask(taskID); !ok {
		if resolved, ok := s.cfg.Index.TaskForThread(id); ok {
			taskID = resolved
		}
	}

	res := s.cfg.Policy.LogTaskAccess(s.cfg.Index, sess.ContainerID, taskID)
	if e := s.auditPolicy(ctx, r, sess, "logs.task", taskID, res); e != nil {
		writeError(w, e)
		return
	}

	content, err := s.cfg.Reader.ReadTask(s.cfg.Index, taskID)
	if errors.Is(err, logaccess.ErrNoLogs) {
		writeError(w, errOf(http.StatusNotFound, KindNotFound, "no log files for task"))
		return
	}
	if err != nil {
		writeError(w, errOf(http.StatusInternalServerError, KindInternal, "log read failed"))
		return
	}
	writeJSON(w, http.StatusOK, LogsContentResponse{Success: true, Content: content})
}

// handleLogsContainer reads a container's logs; only the owner may read them.
func (s *Server) handleLogsContainer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	sess, e := s.authenticateRecorded(r, "logs.container")
	if e != nil {
		writeError(w, e)
		return
	}
	if e := s.rateLimit(sess, ratelimit.ClassLogAccess); e != nil {
		s.recordDecision(ctx, r, sess, "logs.container", id, audit.DecisionDeny, "rate-limit", e.reason)
		writeError(w, e)
		return
	}

	res := s.cfg.Policy.LogContainerAccess(sess.ContainerID, id)
	if e := s.auditPolicy(ctx, r, sess, "logs.container", id, res); e != nil {
		writeError(w, e)
		return
	}

	content, err := s.cfg.Reader.ReadContainer(s.cfg.Index, id)
	if errors.Is(err, logaccess.ErrNoLogs) {
		writeError(w, errOf(http.StatusNotFound, KindNotFound, "no log files for container"))
		return
	}
	if err != nil {
		writeError(w, errOf(http.StatusInternalServerError, KindInternal, "log read failed"))
		return
	}
	writeJSON(w, http.StatusOK, LogsContentResponse{Success: true, Content: content})
}

// handleLogsSearch runs a DoS-guarded regex search over the requester's own
// log files. The scope parameter must be "self"; the pattern is validated
// before any compilation happens.
func (s *Server) handleLogsSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, e := s.authenticateRecorded(r, "logs.search")
	if e != nil {
		writeError(w, e)
		return
	}
	if e := s.rateLimit(sess, ratelimit.ClassLogAccess); e != nil {
		s.recordDecision(ctx, r, sess, "logs.search", "", audit.DecisionDeny, "rate-limit", e.reason)
		writeError(w, e)
		return
	}

	pattern := r.URL.Query().Get("pattern")
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = "self"
	}

	if err := logaccess.ValidatePattern(pattern); err != nil {
		s.recordDecision(ctx, r, sess, "logs.search", "", audit.DecisionDeny, "pattern-guard", err.Error())
		writeError(w, errOf(http.StatusBadRequest, KindInvalidPattern, err.Error()))
		return
	}
	res := s.cfg.Policy.LogSearchAccess(scope)
	if e := s.auditPolicy(ctx, r, sess, "logs.search", scope, res); e != nil {
		writeError(w, e)
		return
	}

	matches, err := s.cfg.Reader.Search(s.cfg.Index, sess.ContainerID, pattern)
	if errors.Is(err, logaccess.ErrInvalidPattern) {
		writeError(w, errOf(http.StatusBadRequest, KindInvalidPattern, err.Error()))
		return
	}
	if err != nil {
		writeError(w, errOf(http.StatusInternalServerError, KindInternal, "log search failed"))
		return
	}
	if matches == nil {
		matches = []logaccess.Match{}
	}
	writeJSON(w, http.StatusOK, LogsSearchResponse{Success: true, Matches: matches})
}
