// Package api exposes the dispatch board over HTTP. Handlers translate the
// core error taxonomy into status codes: validation failures map to 400,
// conflicts to 409 with the full conflict list, missing records to 404.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fieldops/dispatchd/core/availability"
	"github.com/fieldops/dispatchd/core/board"
	"github.com/fieldops/dispatchd/core/conflict"
	"github.com/fieldops/dispatchd/core/logger"
	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/core/reschedule"
	"github.com/fieldops/dispatchd/core/schedule"
	"github.com/fieldops/dispatchd/core/store"
)

// Handler holds the services the HTTP surface is built on.
type Handler struct {
	board         *board.Board
	coordinator   *reschedule.Coordinator
	availability  *availability.Service
	aggregator    *schedule.Aggregator
	notifications store.NotificationStore
	roster        store.WorkerRoster
	jobs          store.JobStore
	log           logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(
	b *board.Board,
	coord *reschedule.Coordinator,
	avail *availability.Service,
	agg *schedule.Aggregator,
	notifications store.NotificationStore,
	roster store.WorkerRoster,
	jobs store.JobStore,
	log logger.Logger,
) *Handler {
	return &Handler{
		board:         b,
		coordinator:   coord,
		availability:  avail,
		aggregator:    agg,
		notifications: notifications,
		roster:        roster,
		jobs:          jobs,
		log:           log,
	}
}

// Router builds the /v1 route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/schedule", h.GetSchedule).Methods("GET")
	api.HandleFunc("/schedule/workers/{id}", h.GetWorkerSchedule).Methods("GET")

	api.HandleFunc("/jobs", h.CreateJob).Methods("POST")
	api.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/workers", h.AssignWorkers).Methods("POST")
	api.HandleFunc("/jobs/{id}/reschedule", h.RescheduleJob).Methods("POST")

	api.HandleFunc("/blocks", h.PlaceBlock).Methods("POST")
	api.HandleFunc("/blocks/{id}", h.ResizeBlock).Methods("PUT")
	api.HandleFunc("/blocks/{id}", h.RemoveBlock).Methods("DELETE")
	api.HandleFunc("/blocks/{id}/reschedule", h.RescheduleBlock).Methods("POST")

	api.HandleFunc("/workers", h.ListWorkers).Methods("GET")
	api.HandleFunc("/workers/{id}/notifications", h.ListNotifications).Methods("GET")
	api.HandleFunc("/workers/{id}/notifications/read", h.MarkAllRead).Methods("POST")
	api.HandleFunc("/notifications/{id}/read", h.MarkRead).Methods("POST")

	return r
}

// GetSchedule handles GET /v1/schedule. An optional search parameter narrows
// the returned events by worker id without touching the live subscriptions.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	if q, ok := r.URL.Query()["search"]; ok && len(q) > 0 {
		h.aggregator.SetSearch(q[0])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": h.aggregator.Events(),
	})
}

// GetWorkerSchedule handles GET /v1/schedule/workers/{id}. The stale flag
// reports whether the worker's timeline may lag behind the store.
func (h *Handler) GetWorkerSchedule(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"worker_id": workerID,
		"stale":     h.aggregator.Stale(workerID),
		"events":    h.aggregator.EventsFor(workerID),
	})
}

type createJobRequest struct {
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	CustomerID      string    `json:"customer_id"`
	Location        string    `json:"location"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Priority        int       `json:"priority"`
	AssignedWorkers []string  `json:"assigned_workers"`
	Tasks           []string  `json:"tasks"`
	Equipment       []string  `json:"equipment"`
}

// CreateJob handles POST /v1/jobs.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	job := model.Job{
		Name:            req.Name,
		Description:     req.Description,
		CustomerID:      req.CustomerID,
		Location:        req.Location,
		Start:           req.Start,
		End:             req.End,
		Priority:        req.Priority,
		AssignedWorkers: req.AssignedWorkers,
		Tasks:           req.Tasks,
		Equipment:       req.Equipment,
	}
	if err := h.board.CreateJob(r.Context(), &job); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// ListJobs handles GET /v1/jobs. An optional worker parameter narrows the
// list to one worker's assignments.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []model.Job
		err  error
	)
	if workerID := r.URL.Query().Get("worker"); workerID != "" {
		jobs, err = h.jobs.ListByWorker(r.Context(), workerID)
	} else {
		jobs, err = h.jobs.List(r.Context())
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// GetJob handles GET /v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type assignWorkersRequest struct {
	WorkerIDs []string `json:"worker_ids"`
}

// AssignWorkers handles POST /v1/jobs/{id}/workers.
func (h *Handler) AssignWorkers(w http.ResponseWriter, r *http.Request) {
	var req assignWorkersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	job, err := h.board.AssignWorkers(r.Context(), mux.Vars(r)["id"], req.WorkerIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type rescheduleRequest struct {
	WorkerID string    `json:"worker_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	View     string    `json:"view"`
}

// RescheduleJob handles POST /v1/jobs/{id}/reschedule. The drag/drop protocol
// collapses into one request: begin, drop, and report the outcome.
func (h *Handler) RescheduleJob(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	view, ok := granularityFromString(req.View)
	if !ok {
		http.Error(w, "unknown view", http.StatusBadRequest)
		return
	}
	tx, err := h.coordinator.BeginJobDrag(r.Context(), mux.Vars(r)["id"], req.WorkerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := tx.Drop(r.Context(), req.Start, req.End, view); err != nil {
		h.writeError(w, err)
		return
	}
	job, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type placeBlockRequest struct {
	WorkerID string    `json:"worker_id"`
	Kind     string    `json:"kind"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

// PlaceBlock handles POST /v1/blocks. Placement is idempotent: repeating an
// identical request returns the same record.
func (h *Handler) PlaceBlock(w http.ResponseWriter, r *http.Request) {
	var req placeBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	kind, ok := statusKindFromString(req.Kind)
	if !ok {
		http.Error(w, "unknown status kind", http.StatusBadRequest)
		return
	}
	block, err := h.availability.Place(r.Context(), req.WorkerID, kind, req.Start, req.End)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, block)
}

type rangeRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ResizeBlock handles PUT /v1/blocks/{id}.
func (h *Handler) ResizeBlock(w http.ResponseWriter, r *http.Request) {
	var req rangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	block, err := h.availability.Resize(r.Context(), mux.Vars(r)["id"], req.Start, req.End)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

// RemoveBlock handles DELETE /v1/blocks/{id}.
func (h *Handler) RemoveBlock(w http.ResponseWriter, r *http.Request) {
	if err := h.availability.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RescheduleBlock handles POST /v1/blocks/{id}/reschedule.
func (h *Handler) RescheduleBlock(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	view, ok := granularityFromString(req.View)
	if !ok {
		http.Error(w, "unknown view", http.StatusBadRequest)
		return
	}
	tx, err := h.coordinator.BeginBlockDrag(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := tx.Drop(r.Context(), req.Start, req.End, view); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ListWorkers handles GET /v1/workers.
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.roster.ListWorkers(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": workers})
}

// ListNotifications handles GET /v1/workers/{id}/notifications. Broadcast read
// state is folded into each record for the requesting worker.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]
	list, err := h.notifications.ListFor(r.Context(), workerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	type item struct {
		model.Notification
		ReadForWorker bool `json:"read_for_worker"`
	}
	items := make([]item, 0, len(list))
	for _, n := range list {
		items = append(items, item{Notification: n, ReadForWorker: n.ReadFor(workerID)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": items})
}

// MarkAllRead handles POST /v1/workers/{id}/notifications/read.
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := h.notifications.MarkAllRead(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead handles POST /v1/notifications/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker")
	if workerID == "" {
		http.Error(w, "worker parameter required", http.StatusBadRequest)
		return
	}
	if err := h.notifications.MarkRead(r.Context(), mux.Vars(r)["id"], workerID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr model.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
		return
	}
	var cerr *conflict.ConflictError
	if errors.As(err, &cerr) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":     cerr.Error(),
			"conflicts": cerr.Conflicts,
		})
		return
	}
	if errors.Is(err, reschedule.ErrEditInProgress) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	var perr *store.PersistenceError
	if errors.As(err, &perr) && perr.Retryable {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": perr.Error()})
		return
	}
	if h.log != nil {
		h.log.Errorf("request failed: %v", err)
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func granularityFromString(s string) (reschedule.Granularity, bool) {
	switch s {
	case "day", "":
		return reschedule.GranularityDay, true
	case "week":
		return reschedule.GranularityWeek, true
	case "month":
		return reschedule.GranularityMonth, true
	default:
		return 0, false
	}
}

func statusKindFromString(s string) (model.StatusKind, bool) {
	switch s {
	case "available":
		return model.StatusAvailable, true
	case "unavailable":
		return model.StatusUnavailable, true
	case "on_leave":
		return model.StatusOnLeave, true
	case "sick_leave":
		return model.StatusSickLeave, true
	case "overtime":
		return model.StatusOvertime, true
	default:
		return 0, false
	}
}
