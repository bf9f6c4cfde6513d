package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rom8726/loom"
)

func RegisterCoreRoutes(mux *http.ServeMux, service *APIService, monitor loom.IMonitor) {
	// Runs
	mux.HandleFunc("POST /api/runs", HandleCreateRun(service))
	mux.HandleFunc("GET /api/runs", HandleListRuns(service))
	mux.HandleFunc("GET /api/runs/active", HandleGetActiveRuns(monitor))
	mux.HandleFunc("GET /api/runs/{id}", HandleGetRun(service))
	mux.HandleFunc("POST /api/runs/{id}/start", HandleStartRun(service))
	mux.HandleFunc("POST /api/runs/{id}/resume", HandleResume(service))
	mux.HandleFunc("GET /api/runs/{id}/history", HandleGetRunHistory(service))
	mux.HandleFunc("GET /api/runs/{id}/events", HandleGetRunEvents(service))

	// Workflows
	mux.HandleFunc("GET /api/workflows", HandleGetWorkflows(service))
	mux.HandleFunc("GET /api/workflows/{name}/graph", HandleGetWorkflowGraph(service))

	// Statistics
	mux.HandleFunc("GET /api/stats", HandleGetStats(monitor))
}

func HandleCreateRun(service *APIService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteErrorResponse(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)

			return
		}
		if req.Workflow == "" {
			WriteErrorResponse(w, fmt.Errorf("workflow is required"), http.StatusBadRequest)

			return
		}

		runID, err := service.CreateRun(r.Context(), req)
		if err != nil {
			writeError(w, err)

			return
		}

		writeJSON(w, http.StatusCreated, CreateRunResponse{RunID: runID})
	}
}

func HandleStartRun(service *APIService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartRunRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				WriteErrorResponse(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)

				return
			}
		}

		if err := service.StartRun(r.Context(), r.PathValue("id"), req.TriggerData); err != nil {
			writeError(w, err)

			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func HandleResume(service *APIService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResumeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteErrorResponse(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)

			return
		}
		if req.StepID == "" {
			WriteErrorResponse(w, fmt.Errorf("stepId is required"), http.StatusBadRequest)

			return
		}

		if err := service.Resume(r.Context(), r.PathValue("id"), req); err != nil {
			writeError(w, err)

			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func HandleGetRun(service *APIService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := service.GetRunStatus(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)

			return
		}

		writeJSON(w, http.StatusOK, view)
	}
}

func HandleListRuns(service *APIService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		limit := 0
		if raw := query.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				WriteErrorResponse(w, fmt.Errorf("invalid limit %q", raw), http.StatusBadRequest)

				return
			}
			limit = n
		}

		filter := loom.RunFilter{
			Status: loom.RunStatus(query.Get("status")),
			FnName: query.Get("workflow"),
		}

		page, err := service.ListRuns(r.Context(), filter, query.Get("cursor"), limit)
		if err != nil {
			writeError(w, err)

			return
		}

		writeJSON(w, http.StatusOK, page)
	}
}

func HandleGetRunHistory(service *APIService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history, err := service.GetRunHistory(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)

			return
		}

		writeJSON(w, http.StatusOK, history)
	}
}

func HandleGetRunEvents(service *APIService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("id")
		if _, err := service.GetRunStatus(r.Context(), runID); err != nil {
			writeError(w, err)

			return
		}

		events, err := service.GetRunEvents(r.Context(), runID)
		if err != nil {
			writeError(w, err)

			return
		}

		writeJSON(w, http.StatusOK, events)
	}
}

func HandleGetWorkflows(service *APIService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, service.GetWorkflows())
	}
}

func HandleGetWorkflowGraph(service *APIService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		graph, err := service.GetWorkflowGraph(r.PathValue("name"))
		if err != nil {
			writeError(w, err)

			return
		}

		if r.URL.Query().Get("format") == "mermaid" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(graph.Mermaid))

			return
		}

		writeJSON(w, http.StatusOK, graph)
	}
}

func HandleGetStats(monitor loom.IMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := monitor.GetRunStats(r.Context())
		if err != nil {
			writeError(w, err)

			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

func HandleGetActiveRuns(monitor loom.IMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		runs, err := monitor.GetActiveRuns(r.Context(), limit)
		if err != nil {
			writeError(w, err)

			return
		}

		writeJSON(w, http.StatusOK, runs)
	}
}
