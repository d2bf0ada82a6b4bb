package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/blackflagsec/sentinel/internal/activitylog"
	"github.com/blackflagsec/sentinel/internal/automationsync"
	"github.com/blackflagsec/sentinel/internal/findings"
	"github.com/blackflagsec/sentinel/internal/jobs"
	"github.com/blackflagsec/sentinel/internal/network"
	"github.com/blackflagsec/sentinel/internal/orchestrator"
	"github.com/blackflagsec/sentinel/internal/scheduledsearch"
)

// tenantAndAdmin reads the caller's tenant scope from request headers. A
// real deployment terminates auth upstream of this binary and forwards the
// resolved identity in X-Tenant-Id; auth is not re-implemented here.
func tenantAndAdmin(r *http.Request) (string, bool) {
	if r.Header.Get("X-Admin") == "true" {
		return r.Header.Get("X-Tenant-Id"), true
	}
	return r.Header.Get("X-Tenant-Id"), false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func registerJobRoutes(mux *http.ServeMux, orch *orchestrator.Orchestrator, store *jobs.Store, activity *activitylog.Log) {
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenantAndAdmin(r)
		var req struct {
			Capability jobs.Capability `json:"capability"`
			Target     string          `json:"target"`
			Config     map[string]any  `json:"config"`
			Priority   string          `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		priority := jobs.PriorityNormal
		if req.Priority != "" {
			if p, ok := jobs.ParsePriority(req.Priority); ok {
				priority = p
			}
		}
		job, err := orch.CreateJob(tenantID, req.Capability, req.Target, req.Config, priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		activity.Emit(activitylog.EventJobCreated, tenantID, tenantID, "job created: "+string(req.Capability)+" -> "+req.Target)
		writeJSON(w, http.StatusCreated, job)
	})

	mux.HandleFunc("GET /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		tenantID, admin := tenantAndAdmin(r)
		jobList, err := store.ListJobs(jobs.Filter{TenantID: tenantID, Admin: admin}, 100, 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, jobList)
	})

	mux.HandleFunc("GET /api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		tenantID, admin := tenantAndAdmin(r)
		job, err := store.GetJob(r.PathValue("id"), tenantID, admin)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenantAndAdmin(r)
		ok, err := orch.CancelJob(r.PathValue("id"), tenantID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		activity.Emit(activitylog.EventJobCancelled, tenantID, tenantID, "job cancelled: "+r.PathValue("id"))
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
	})
}

func registerFindingRoutes(mux *http.ServeMux, store *findings.Store) {
	mux.HandleFunc("GET /api/v1/findings", func(w http.ResponseWriter, r *http.Request) {
		tenantID, admin := tenantAndAdmin(r)
		results, err := store.ListActive(findings.Filter{TenantID: tenantID, Admin: admin}, 200)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	})

	mux.HandleFunc("GET /api/v1/findings/critical", func(w http.ResponseWriter, r *http.Request) {
		tenantID, admin := tenantAndAdmin(r)
		results, err := store.ListCritical(tenantID, admin, 200)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	})

	mux.HandleFunc("POST /api/v1/findings/{id}/resolve", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status string `json:"status"`
			Actor  string `json:"actor"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f, err := store.Resolve(r.PathValue("id"), findings.Status(req.Status), req.Actor)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	})

	mux.HandleFunc("GET /api/v1/findings/posture", func(w http.ResponseWriter, r *http.Request) {
		tenantID, admin := tenantAndAdmin(r)
		counts, err := store.ResolvedCountsBySeverity(tenantID, admin)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		score, err := store.PostureScore(tenantID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"score":           score,
			"resolved_counts": counts,
		})
	})
}

func registerScheduleRoutes(mux *http.ServeMux, store *scheduledsearch.Store) {
	mux.HandleFunc("GET /api/v1/scheduled-searches", func(w http.ResponseWriter, r *http.Request) {
		tenantID, admin := tenantAndAdmin(r)
		list, err := store.List(scheduledsearch.Filter{TenantID: tenantID, Admin: admin})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	mux.HandleFunc("POST /api/v1/scheduled-searches", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenantAndAdmin(r)
		var ss scheduledsearch.ScheduledSearch
		if err := json.NewDecoder(r.Body).Decode(&ss); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ss.TenantID = tenantID
		created, err := store.Create(ss)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	})

	mux.HandleFunc("POST /api/v1/scheduled-searches/{id}/enabled", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := store.SetEnabled(r.PathValue("id"), req.Enabled); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
	})
}

func registerNetworkRoutes(mux *http.ServeMux, registry *network.Registry, auditLog *network.AuditLog) {
	mux.HandleFunc("POST /api/v1/network/blocks/ip", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ IP, Reason, Actor string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		registry.BlockIP(req.IP, req.Reason, req.Actor)
		writeJSON(w, http.StatusCreated, map[string]string{"ip": req.IP})
	})

	mux.HandleFunc("GET /api/v1/network/blocks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, registry.GetAllBlocks())
	})

	mux.HandleFunc("GET /api/v1/network/logs", func(w http.ResponseWriter, r *http.Request) {
		tenantID, admin := tenantAndAdmin(r)
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		logs, err := auditLog.ListLogs(network.LogFilter{TenantID: tenantID, Admin: admin}, limit, 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	})

	mux.HandleFunc("GET /api/v1/network/logs/stats", func(w http.ResponseWriter, r *http.Request) {
		tenantID, admin := tenantAndAdmin(r)
		stats, err := auditLog.GetStats(network.LogFilter{TenantID: tenantID, Admin: admin})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
}

func registerAutomationRoutes(mux *http.ServeMux, store *scheduledsearch.Store, activity *activitylog.Log) {
	mux.HandleFunc("POST /api/v1/automation/sync", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenantAndAdmin(r)
		var profile automationsync.CompanyProfile
		if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		profile.TenantID = tenantID
		result, err := automationsync.Sync(store, profile)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		activity.Emit(activitylog.EventAutomationSynced, tenantID, tenantID, "automation sync applied")
		writeJSON(w, http.StatusOK, result)
	})
}
