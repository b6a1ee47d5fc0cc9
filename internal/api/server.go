package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"vodflow/internal/domain"
	"vodflow/internal/engine"
	"vodflow/internal/observability"
	"vodflow/internal/store"
	"vodflow/internal/sweep"
)

type TaskReader interface {
	Get(ctx context.Context, id string) (domain.Task, error)
}

type AssetReader interface {
	Get(ctx context.Context, id string) (domain.Asset, error)
}

type TaskCreator interface {
	EnsureQueueCapacity(ctx context.Context, userID string) error
	CreateTask(ctx context.Context, req engine.NewTask) (domain.Task, error)
}

type SweepRunner interface {
	Run(ctx context.Context, name string) (sweep.Result, error)
}

type Deps struct {
	Tasks  TaskReader
	Assets AssetReader
	Engine TaskCreator
	Sweeps SweepRunner
	Debug  bool
}

type Server struct {
	d Deps
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{d: d}

	r.Get("/health", s.health)
	r.Handle("/metrics", observability.MetricsHandler())
	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.createTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Get("/assets/{id}", s.getAsset)
		r.Post("/sweeps/{name}", s.runSweep)
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createTaskReq struct {
	Type          domain.TaskType   `json:"type"`
	UserID        string            `json:"userId"`
	InputAssetID  string            `json:"inputAssetId"`
	OutputAssetID string            `json:"outputAssetId"`
	Params        domain.TaskParams `json:"params"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown task type")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	ctx := r.Context()
	nt := engine.NewTask{Type: req.Type, UserID: req.UserID, Params: req.Params}
	for _, ref := range []struct {
		id  string
		dst **domain.Asset
	}{{req.InputAssetID, &nt.InputAsset}, {req.OutputAssetID, &nt.OutputAsset}} {
		if ref.id == "" {
			continue
		}
		a, err := s.d.Assets.Get(ctx, ref.id)
		if err != nil {
			s.storeError(w, err)
			return
		}
		*ref.dst = &a
	}

	if err := s.d.Engine.EnsureQueueCapacity(ctx, req.UserID); err != nil {
		if errors.Is(err, engine.ErrTooManyTasks) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		s.storeError(w, err)
		return
	}
	task, err := s.d.Engine.CreateTask(ctx, nt)
	if err != nil {
		log.Error().Err(err).Str("type", string(req.Type)).Msg("create task failed")
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	writeJSON(w, http.StatusCreated, task.Snapshot())
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.d.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task.Snapshot())
}

func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.d.Assets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

type sweepResp struct {
	Sweep   string   `json:"sweep"`
	Cleaned []string `json:"cleaned"`
	Context string   `json:"context"`
}

func (s *Server) runSweep(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	res, err := s.d.Sweeps.Run(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	cleaned := res.Cleaned
	if cleaned == nil {
		cleaned = []string{}
	}
	writeJSON(w, http.StatusOK, sweepResp{Sweep: name, Cleaned: cleaned, Context: res.LogContext})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	log.Error().Err(err).Msg("store request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
