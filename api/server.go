// Package api is the HTTP surface used by external agents (claim, complete,
// fail) and by operators (kill switch, reviews, workers).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go-engage/logging"
	"go-engage/metrics"
	"go-engage/model"
	"go-engage/queue"
	"go-engage/risk"
	"go-engage/routing"
	"go-engage/settings"
	"go-engage/store"
	"go-engage/worker"
)

const maxClaimWait = 30 * time.Second

type Config struct {
	Queue    *queue.Queue
	Settings *settings.Settings
	Store    store.Store
	Router   *routing.Router
	Workers  *worker.Manager
	Results  *worker.Results
	Logger   logging.Logger
}

type Server struct {
	queue    *queue.Queue
	settings *settings.Settings
	store    store.Store
	router   *routing.Router
	workers  *worker.Manager
	results  *worker.Results
	logger   logging.Logger
}

func New(cfg Config) *Server {
	s := &Server{
		queue:    cfg.Queue,
		settings: cfg.Settings,
		store:    cfg.Store,
		router:   cfg.Router,
		workers:  cfg.Workers,
		results:  cfg.Results,
		logger:   cfg.Logger,
	}
	if s.logger == nil {
		s.logger = logging.NewDiscard()
	}
	return s
}

func NewServer(addr string, cfg Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           New(cfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tasks", s.createTask)
	mux.HandleFunc("GET /tasks", s.listTasks)
	mux.HandleFunc("POST /tasks/claim", s.claimTask)
	mux.HandleFunc("POST /tasks/cancel", s.cancelAll)
	mux.HandleFunc("GET /tasks/{id}", s.getTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.cancelTask)
	mux.HandleFunc("POST /tasks/{id}/complete", s.completeTask)
	mux.HandleFunc("POST /tasks/{id}/fail", s.failTask)

	mux.HandleFunc("GET /kill-switch", s.getKillSwitch)
	mux.HandleFunc("PUT /kill-switch", s.putKillSwitch)

	mux.HandleFunc("POST /engagements", s.submitEngagement)
	mux.HandleFunc("GET /reviews", s.listReviews)
	mux.HandleFunc("POST /reviews/{id}/approve", s.approveReview)
	mux.HandleFunc("POST /reviews/{id}/reject", s.rejectReview)

	mux.HandleFunc("GET /workers", s.workerStatus)
	mux.HandleFunc("POST /workers/{platform}/start", s.startWorkers)
	mux.HandleFunc("POST /workers/{platform}/stop", s.stopWorkers)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "[API] Encoding error", http.StatusInternalServerError)
	}
}

// writeError maps domain sentinels onto status codes; anything else is a 500
// and gets logged.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound), errors.Is(err, store.ErrNotFound):
		http.Error(w, "[API] "+err.Error(), http.StatusNotFound)
	case errors.Is(err, queue.ErrTaskNotActive), errors.Is(err, routing.ErrAlreadyDecided):
		http.Error(w, "[API] "+err.Error(), http.StatusConflict)
	case errors.Is(err, routing.ErrNonCompliantEdit):
		http.Error(w, "[API] "+err.Error(), http.StatusUnprocessableEntity)
	default:
		s.logger.WithError(err).Error("Request failed")
		http.Error(w, "[API] Internal error", http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "[API] Invalid ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// decodeBody decodes an optional JSON body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "[API] Malformed JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type createTaskRequest struct {
	Type       model.TaskType    `json:"type"`
	Platform   string            `json:"platform"`
	Payload    json.RawMessage   `json:"payload"`
	Priority   int               `json:"priority"`
	MaxRetries *int              `json:"max_retries"`
	TTLSeconds int               `json:"ttl_seconds"`
	CreatedBy  string            `json:"created_by"`
	Metadata   map[string]string `json:"metadata"`
	DedupKey   string            `json:"dedup_key"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "[API] Malformed JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Type.Valid() {
		http.Error(w, "[API] Invalid task type", http.StatusBadRequest)
		return
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		http.Error(w, "[API] max_retries must not be negative", http.StatusBadRequest)
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}
	id, err := s.queue.Create(r.Context(), queue.CreateParams{
		Type:       req.Type,
		Platform:   strings.ToLower(req.Platform),
		Payload:    req.Payload,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		CreatedBy:  req.CreatedBy,
		Metadata:   req.Metadata,
		DedupKey:   req.DedupKey,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.TaskStatus(strings.ToLower(q.Get("status")))
	switch status {
	case "", model.StatusPending, model.StatusAssigned, model.StatusCompleted,
		model.StatusFailed, model.StatusCancelled, model.StatusExpired:
	default:
		http.Error(w, "[API] Invalid status value", http.StatusBadRequest)
		return
	}
	typ := model.TaskType(strings.ToLower(q.Get("type")))
	if typ != "" && !typ.Valid() {
		http.Error(w, "[API] Invalid task type", http.StatusBadRequest)
		return
	}

	tasks, err := s.queue.List(r.Context(), queue.ListFilter{
		Status:   status,
		Platform: strings.ToLower(q.Get("platform")),
		Type:     typ,
		Limit:    queryLimit(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type claimRequest struct {
	AgentID     string         `json:"agent_id"`
	Platform    string         `json:"platform"`
	Type        model.TaskType `json:"type"`
	WaitSeconds int            `json:"wait_seconds"`
}

// claimTask returns 204 when nothing is claimable, including while the kill
// switch is active.
func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "[API] Malformed JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		http.Error(w, "[API] agent_id is required", http.StatusBadRequest)
		return
	}
	if req.Type != "" && !req.Type.Valid() {
		http.Error(w, "[API] Invalid task type", http.StatusBadRequest)
		return
	}
	wait := min(time.Duration(req.WaitSeconds)*time.Second, maxClaimWait)

	task, err := s.queue.WaitAndClaim(r.Context(), req.AgentID, queue.ClaimFilter{
		Platform: strings.ToLower(req.Platform),
		Type:     req.Type,
	}, wait)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.writeError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Platform string `json:"platform"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := s.queue.CancelAll(r.Context(), strings.ToLower(req.Platform))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cancelled": n})
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Result json.RawMessage `json:"result"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	task, err := s.queue.Complete(r.Context(), id, req.Result)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The task stays completed even when its result cannot be applied.
	if s.results != nil {
		if err := s.results.Completed(r.Context(), task); err != nil {
			s.logger.WithError(err).WithField("task_id", id).Error("Failed to apply task result")
		}
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Error string `json:"error"`
		Retry *bool  `json:"retry"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	retry := req.Retry == nil || *req.Retry

	status, err := s.queue.Fail(r.Context(), id, req.Error, retry)
	if err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.results != nil {
		if err := s.results.Failed(r.Context(), task, status, req.Error); err != nil {
			s.logger.WithError(err).WithField("task_id", id).Error("Failed to apply task failure")
		}
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getKillSwitch(w http.ResponseWriter, r *http.Request) {
	ks, err := s.settings.KillSwitch(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ks)
}

func (s *Server) putKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool   `json:"active"`
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "[API] Malformed JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	ks, err := s.settings.SetKillSwitch(r.Context(), req.Active, req.Reason, req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.WithFields(logging.Fields{"active": ks.Active, "actor": req.Actor, "reason": req.Reason}).Warn("Kill switch updated")
	writeJSON(w, http.StatusOK, ks)
}

type engagementRequest struct {
	Platform      string   `json:"platform"`
	OpportunityID *int64   `json:"opportunity_id"`
	TargetID      string   `json:"target_id"`
	TargetURL     string   `json:"target_url"`
	CommentText   string   `json:"comment_text"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Hashtags      []string `json:"hashtags"`
	Category      string   `json:"category"`
}

// submitEngagement accepts a generated reply and routes it.
func (s *Server) submitEngagement(w http.ResponseWriter, r *http.Request) {
	var req engagementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "[API] Malformed JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Platform == "" || req.TargetID == "" || strings.TrimSpace(req.CommentText) == "" {
		http.Error(w, "[API] platform, target_id and comment_text are required", http.StatusBadRequest)
		return
	}
	out, err := s.router.Submit(r.Context(), routing.Candidate{
		Engagement: model.Engagement{
			Platform:      strings.ToLower(req.Platform),
			OpportunityID: req.OpportunityID,
			TargetID:      req.TargetID,
			TargetURL:     req.TargetURL,
			CommentText:   req.CommentText,
		},
		Context: risk.Context{
			Title:       req.Title,
			Description: req.Description,
			Hashtags:    req.Hashtags,
			Category:    req.Category,
		},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.ReviewStatus(strings.ToLower(q.Get("status")))
	switch status {
	case "", model.ReviewPending, model.ReviewApproved, model.ReviewRejected:
	default:
		http.Error(w, "[API] Invalid status value", http.StatusBadRequest)
		return
	}
	items, err := s.store.ListReviews(r.Context(), store.ReviewFilter{
		Status:   status,
		Platform: strings.ToLower(q.Get("platform")),
		Limit:    queryLimit(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []model.ReviewItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) approveReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reviewer   string `json:"reviewer"`
		EditedText string `json:"edited_text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reviewer == "" {
		http.Error(w, "[API] reviewer is required", http.StatusBadRequest)
		return
	}
	taskID, err := s.router.Approve(r.Context(), id, req.Reviewer, req.EditedText)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"task_id": taskID})
}

func (s *Server) rejectReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reviewer string `json:"reviewer"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reviewer == "" {
		http.Error(w, "[API] reviewer is required", http.StatusBadRequest)
		return
	}
	if err := s.router.Reject(r.Context(), id, req.Reviewer); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) workerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.workers.Status(r.Context()))
}

func (s *Server) startWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.workers.Start(r.Context(), r.PathValue("platform")))
}

func (s *Server) stopWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.workers.Stop(r.Context(), r.PathValue("platform")))
}
