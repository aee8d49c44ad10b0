package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/analytics"
	"github.com/shizukutanaka/Kiroku/internal/auth"
	"github.com/shizukutanaka/Kiroku/internal/cache"
	"github.com/shizukutanaka/Kiroku/internal/logdata"
	"github.com/shizukutanaka/Kiroku/internal/storage"
)

// maxRequestBytes bounds request bodies; analysis batches can be large.
const maxRequestBytes = 64 << 20

type entriesRequest struct {
	// Source selects the record batch: "" or "inline" uses Entries,
	// "stored" loads the persisted corpus.
	Source  string           `json:"source,omitempty"`
	Entries []logdata.Record `json:"entries"`
}

type analyzeRequest struct {
	Source  string             `json:"source,omitempty"`
	Entries []logdata.Record   `json:"entries"`
	Options *analytics.Options `json:"options,omitempty"`
	Persist bool               `json:"persist,omitempty"`
}

type analyzeResponse struct {
	Report *analytics.Report `json:"report"`
	RunID  string            `json:"run_id,omitempty"`
	Cached bool              `json:"cached"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// loadEntries resolves the record batch for an analysis request.
func (s *Server) loadEntries(w http.ResponseWriter, r *http.Request, source string, entries []logdata.Record) ([]logdata.Record, bool) {
	switch source {
	case "", "inline":
		if len(entries) == 0 {
			s.sendError(w, http.StatusBadRequest, "no entries provided")
			return nil, false
		}
		return entries, true
	case "stored":
		if s.deps.Store == nil {
			s.sendError(w, http.StatusServiceUnavailable, "storage is disabled")
			return nil, false
		}
		records, err := s.deps.Store.QueryEntries(r.Context(), storage.EntryFilter{})
		if err != nil {
			s.logger.Error("Loading stored entries failed", zap.Error(err))
			s.sendError(w, http.StatusInternalServerError, "loading stored entries failed")
			return nil, false
		}
		return records, true
	default:
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", source))
		return nil, false
	}
}

// maskAll redacts secrets before records reach the engine or storage.
func (s *Server) maskAll(records []logdata.Record) []logdata.Record {
	if s.deps.Masker == nil {
		return records
	}
	masked, hits := s.deps.Masker.MaskRecords(records)
	if hits > 0 && s.deps.Metrics != nil {
		s.deps.Metrics.SyncRedactions(s.deps.Masker.RuleHits())
	}
	return masked
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"analyzer": "ok",
	}
	healthy := true

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			checks["storage"] = "unreachable"
			healthy = false
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "disabled"
	}
	if s.deps.Reports != nil {
		checks["cache"] = "ok"
	} else {
		checks["cache"] = "disabled"
	}

	status, state := http.StatusOK, "healthy"
	if !healthy {
		status, state = http.StatusServiceUnavailable, "degraded"
	}
	s.sendJSON(w, status, Response{
		Success: healthy,
		Data: map[string]interface{}{
			"status": state,
			"checks": checks,
		},
		Time: time.Now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"service":        serviceName,
		"version":        serviceVersion,
		"status":         "running",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"model":          s.deps.Analyzer.Status(),
		"options":        s.deps.Analyzer.Options(),
		"host":           hostSnapshot(),
	}
	if s.deps.Store != nil {
		if n, err := s.deps.Store.CountEntries(r.Context()); err == nil {
			data["entries_stored"] = n
		}
	}

	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: data, Time: time.Now()})
}

// hostSnapshot reports instantaneous host usage for the status surface.
func hostSnapshot() map[string]interface{} {
	snapshot := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snapshot["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snapshot["memory_percent"] = vm.UsedPercent
		snapshot["memory_used"] = humanize.IBytes(vm.Used)
	}
	return snapshot
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"model":             s.deps.Analyzer.Status(),
		"websocket_clients": s.clientCount(),
	}
	if s.deps.Masker != nil {
		stats["redactions"] = s.deps.Masker.RuleHits()
	}
	if s.deps.Reports != nil {
		stats["cache"] = s.deps.Reports.Stats()
	}
	if s.deps.Store != nil {
		if n, err := s.deps.Store.CountEntries(r.Context()); err == nil {
			stats["entries_stored"] = n
		}
		if runs, err := s.deps.Store.ListRuns(r.Context(), 1); err == nil && len(runs) > 0 {
			stats["last_run"] = runs[0]
		}
	}

	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: stats, Time: time.Now()})
}

func (s *Server) handleIngestEntries(w http.ResponseWriter, r *http.Request) {
	var req entriesRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Entries) == 0 {
		s.sendError(w, http.StatusBadRequest, "no entries provided")
		return
	}
	if s.deps.Store == nil {
		s.sendError(w, http.StatusServiceUnavailable, "storage is disabled")
		return
	}

	records := s.maskAll(req.Entries)
	for i := range records {
		records[i] = records[i].Normalize()
	}
	if err := s.deps.Store.SaveEntries(r.Context(), records); err != nil {
		s.logger.Error("Saving entries failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "saving entries failed")
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordIngestedEntries("api", len(records))
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]interface{}{"ingested": len(records)},
		Time:    time.Now(),
	})
}

func (s *Server) handleQueryEntries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.sendError(w, http.StatusServiceUnavailable, "storage is disabled")
		return
	}
	filter, err := entryFilterFromQuery(r.URL.Query())
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.deps.Store.QueryEntries(r.Context(), filter)
	if err != nil {
		s.logger.Error("Querying entries failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "querying entries failed")
		return
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"entries": records,
			"count":   len(records),
		},
		Time: time.Now(),
	})
}

func entryFilterFromQuery(q url.Values) (storage.EntryFilter, error) {
	filter := storage.EntryFilter{
		Level:    logdata.CanonicalLevel(q.Get("level")),
		Logger:   q.Get("logger"),
		Contains: q.Get("contains"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid since timestamp %q", v)
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid until timestamp %q", v)
		}
		filter.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = n
	}
	return filter, nil
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Persist && s.deps.Store == nil {
		s.sendError(w, http.StatusBadRequest, "persist requires storage")
		return
	}
	records, ok := s.loadEntries(w, r, req.Source, req.Entries)
	if !ok {
		return
	}

	// Per-request options run on a one-shot analyzer so the server's
	// trained models stay untouched.
	analyzer := s.deps.Analyzer
	if req.Options != nil {
		analyzer = analytics.NewAnalyzer(s.logger, *req.Options)
	}

	masked := s.maskAll(records)

	var report *analytics.Report
	cached := false
	cacheKey := ""
	if s.deps.Reports != nil {
		cacheKey = cache.Key(masked, analyzer.Options())
		if hit, ok := s.deps.Reports.Get(cacheKey); ok {
			report, cached = hit, true
			if s.deps.Metrics != nil {
				s.deps.Metrics.RecordCacheHit()
			}
		} else if s.deps.Metrics != nil {
			s.deps.Metrics.RecordCacheMiss()
		}
	}
	if report == nil {
		report = analyzer.Analyze(masked)
		if cacheKey != "" {
			if err := s.deps.Reports.Set(cacheKey, report); err != nil {
				s.logger.Debug("Caching report failed", zap.Error(err))
			}
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordRun(report)
		}
	}

	resp := analyzeResponse{Report: report, Cached: cached}
	if req.Persist {
		run, err := storage.NewRun(report)
		if err == nil {
			err = s.deps.Store.SaveRun(r.Context(), run)
		}
		if err != nil {
			s.logger.Error("Persisting run failed", zap.Error(err))
			s.sendError(w, http.StatusInternalServerError, "persisting run failed")
			return
		}
		resp.RunID = run.ID
	}

	s.broadcastEvent("run_completed", map[string]interface{}{
		"run_id":       resp.RunID,
		"record_count": report.RecordCount,
		"anomalies":    len(report.Anomalies),
		"patterns":     len(report.Patterns),
		"clusters":     len(report.Clusters),
		"cached":       cached,
	})

	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: resp, Time: time.Now()})
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req entriesRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	records, ok := s.loadEntries(w, r, req.Source, req.Entries)
	if !ok {
		return
	}

	masked := s.maskAll(records)
	s.deps.Analyzer.Train(masked)

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"trained_on": len(masked),
			"model":      s.deps.Analyzer.Status(),
		},
		Time: time.Now(),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Analyzer.Reset()
	if s.deps.Reports != nil {
		if err := s.deps.Reports.Reset(); err != nil {
			s.logger.Warn("Cache reset failed", zap.Error(err))
		}
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"reset": true,
			"model": s.deps.Analyzer.Status(),
		},
		Time: time.Now(),
	})
}

func (s *Server) handleDetectAnomalies(w http.ResponseWriter, r *http.Request) {
	var req entriesRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	records, ok := s.loadEntries(w, r, req.Source, req.Entries)
	if !ok {
		return
	}

	anomalies := s.deps.Analyzer.DetectAnomalies(s.maskAll(records))
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"anomalies": anomalies,
			"count":     len(anomalies),
		},
		Time: time.Now(),
	})
}

func (s *Server) handleRecognizePatterns(w http.ResponseWriter, r *http.Request) {
	var req entriesRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	records, ok := s.loadEntries(w, r, req.Source, req.Entries)
	if !ok {
		return
	}

	patterns := s.deps.Analyzer.RecognizePatterns(s.maskAll(records))
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"patterns": patterns,
			"count":    len(patterns),
		},
		Time: time.Now(),
	})
}

func (s *Server) handleAssignClusters(w http.ResponseWriter, r *http.Request) {
	var req entriesRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	records, ok := s.loadEntries(w, r, req.Source, req.Entries)
	if !ok {
		return
	}

	clusters := s.deps.Analyzer.AssignClusters(s.maskAll(records))
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"clusters": clusters,
			"count":    len(clusters),
		},
		Time: time.Now(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.sendError(w, http.StatusServiceUnavailable, "storage is disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("Listing runs failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "listing runs failed")
		return
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"runs":  runs,
			"count": len(runs),
		},
		Time: time.Now(),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.sendError(w, http.StatusServiceUnavailable, "storage is disabled")
		return
	}
	id := mux.Vars(r)["id"]

	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		status := statusFromError(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("Loading run failed", zap.String("id", id), zap.Error(err))
			s.sendError(w, status, "loading run failed")
			return
		}
		s.sendError(w, status, fmt.Sprintf("run %q not found", id))
		return
	}

	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: run, Time: time.Now()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	hash, ok := s.config.Users[req.Username]
	if !ok {
		s.sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	match, err := auth.VerifyPassword(req.Password, hash)
	if err != nil || !match {
		s.sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.deps.Tokens.GenerateToken(req.Username)
	if err != nil {
		s.logger.Error("Token generation failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"token":      token,
			"token_type": "Bearer",
			"expires_in": int64(s.deps.Tokens.Expiry().Seconds()),
		},
		Time: time.Now(),
	})
}
