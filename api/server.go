// Package api implements the Admin API (C9): a read-only HTTP surface over
// the routing table, stores and process monitor, gated by an X-API-Key
// header, plus the one non-observational "trigger" endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"

	"github.com/mattdev071/subnet-42/config"
	"github.com/mattdev071/subnet-42/monitor"
	"github.com/mattdev071/subnet-42/routing"
	"github.com/mattdev071/subnet-42/scheduler"
	"github.com/mattdev071/subnet-42/store"
	"github.com/mattdev071/subnet-42/types"
	"github.com/mattdev071/subnet-42/weights"
)

// Server wires every read-only component into one gorilla/mux router.
type Server struct {
	cfg       config.Config
	hotkey    types.Hotkey
	routing   *routing.Table
	telemetry *store.TelemetryStore
	errors    *store.ErrorStore
	monitor   *monitor.Monitor
	sched     *scheduler.Scheduler
	log       log.Logger

	router *mux.Router
}

// New builds the admin HTTP surface over already-constructed components.
func New(cfg config.Config, hotkey types.Hotkey, rt *routing.Table, telemetry *store.TelemetryStore, errStore *store.ErrorStore, mon *monitor.Monitor, sched *scheduler.Scheduler) *Server {
	s := &Server{
		cfg:       cfg,
		hotkey:    hotkey,
		routing:   rt,
		telemetry: telemetry,
		errors:    errStore,
		monitor:   mon,
		sched:     sched,
		log:       log.New("component", "admin-api"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the assembled http.Handler, e.g. for http.ListenAndServe.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthcheck", s.healthcheck).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", s.dashboard).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.apiKeyMiddleware)

	protected.HandleFunc("/monitor/worker-registry", s.monitorWorkerRegistry).Methods(http.MethodGet)
	protected.HandleFunc("/monitor/routing-table", s.monitorRoutingTable).Methods(http.MethodGet)
	protected.HandleFunc("/monitor/telemetry", s.monitorTelemetry).Methods(http.MethodGet)
	protected.HandleFunc("/monitor/telemetry/all", s.monitorAllTelemetry).Methods(http.MethodGet)
	protected.HandleFunc("/monitor/telemetry/{hotkey}", s.monitorTelemetryByHotkey).Methods(http.MethodGet)
	protected.HandleFunc("/monitor/worker/{worker_id}", s.monitorWorkerHotkey).Methods(http.MethodGet)
	protected.HandleFunc("/monitor/unregistered-tee-addresses", s.monitorUnregisteredTEEAddresses).Methods(http.MethodGet)
	protected.HandleFunc("/monitor/errors", s.monitorErrors).Methods(http.MethodGet)
	protected.HandleFunc("/monitor/errors/{hotkey}", s.monitorErrorsByHotkey).Methods(http.MethodGet)
	protected.HandleFunc("/monitor/errors/cleanup", s.cleanupErrors).Methods(http.MethodPost)
	protected.HandleFunc("/monitor/priority-miners-list", s.priorityMinersList).Methods(http.MethodGet)
	protected.HandleFunc("/monitoring/processes", s.monitoringProcesses).Methods(http.MethodGet)
	protected.HandleFunc("/monitoring/nats", s.monitoringProcess("send_connected_nodes", "nats_publishing")).Methods(http.MethodGet)
	protected.HandleFunc("/monitoring/weights", s.monitoringProcess("set_weights", "weights_setting")).Methods(http.MethodGet)
	protected.HandleFunc("/monitoring/priority-miners", s.monitoringProcess("send_connected_nodes", "priority_miners_publishing")).Methods(http.MethodGet)
	protected.HandleFunc("/trigger/nats/send-connected-nodes", s.triggerSendConnectedNodes).Methods(http.MethodPost)
	protected.HandleFunc("/add-unregistered-tee", s.addUnregisteredTEE).Methods(http.MethodPost)
	protected.HandleFunc("/score-simulation/data", s.scoreSimulationData).Methods(http.MethodGet)
	protected.HandleFunc("/dashboard/data", s.dashboardData).Methods(http.MethodGet)

	return r
}

// apiKeyMiddleware enforces X-API-Key against cfg.APIKey. An unconfigured
// key skips validation entirely, matching
// original_source/validator/api_routes.py's require_api_key.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "API Key header missing"})
			return
		}
		if key != s.cfg.APIKey {
			writeJSONStatus(w, http.StatusForbidden, map[string]string{"error": "Invalid API Key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errJSON is §7's observational-endpoint error shape: 200 OK with an
// {"error": "..."} body so dashboards keep rendering.
func errJSON(w http.ResponseWriter, err error) {
	writeJSON(w, map[string]string{"error": err.Error()})
}

func (s *Server) healthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"validator_hotkey":  s.hotkey.String(),
		"netuid":            s.cfg.NetUID,
		"subtensor_network": s.cfg.SubtensorNetwork,
		"env":               string(s.cfg.Env),
	})
}

func (s *Server) monitorWorkerRegistry(w http.ResponseWriter, r *http.Request) {
	regs, err := s.routing.AllWorkerRegistrations()
	if err != nil {
		errJSON(w, err)
		return
	}
	addrs, err := s.routing.GetAllAddressesWithHotkeys()
	if err != nil {
		errJSON(w, err)
		return
	}
	inTable := map[types.Hotkey]bool{}
	for _, a := range addrs {
		inTable[a.Hotkey] = true
	}

	out := make([]map[string]interface{}, 0, len(regs))
	for _, reg := range regs {
		out = append(out, map[string]interface{}{
			"worker_id":           string(reg.WorkerId),
			"hotkey":              reg.Hotkey.String(),
			"is_in_routing_table": inTable[reg.Hotkey],
		})
	}
	writeJSON(w, map[string]interface{}{"count": len(regs), "worker_registrations": out})
}

func (s *Server) monitorRoutingTable(w http.ResponseWriter, r *http.Request) {
	addrs, err := s.routing.GetAllAddressesWithHotkeys()
	if err != nil {
		errJSON(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, map[string]interface{}{
			"hotkey":    a.Hotkey.String(),
			"uid":       a.UID,
			"address":   string(a.Address),
			"worker_id": string(a.WorkerId),
		})
	}
	writeJSON(w, map[string]interface{}{"count": len(addrs), "miner_addresses": out})
}

func (s *Server) monitorTelemetry(w http.ResponseWriter, r *http.Request) {
	records, err := s.telemetry.All()
	if err != nil {
		errJSON(w, err)
		return
	}
	seen := map[types.Hotkey]bool{}
	hotkeys := make([]string, 0)
	for _, rec := range records {
		if !seen[rec.Hotkey] {
			seen[rec.Hotkey] = true
			hotkeys = append(hotkeys, rec.Hotkey.String())
		}
	}
	writeJSON(w, map[string]interface{}{"count": len(hotkeys), "hotkeys": hotkeys})
}

func (s *Server) monitorAllTelemetry(w http.ResponseWriter, r *http.Request) {
	records, err := s.telemetry.All()
	if err != nil {
		errJSON(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"count": len(records), "telemetry_data": telemetryDicts(records)})
}

func (s *Server) monitorTelemetryByHotkey(w http.ResponseWriter, r *http.Request) {
	hotkey, err := types.HotkeyFromHex(mux.Vars(r)["hotkey"])
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid hotkey"})
		return
	}
	records, err := s.telemetry.AllForHotkey(hotkey)
	if err != nil {
		errJSON(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"hotkey":         hotkey.String(),
		"count":          len(records),
		"telemetry_data": telemetryDicts(records),
	})
}

func telemetryDicts(records []types.TelemetryRecord) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]interface{}{
			"hotkey":                    rec.Hotkey.String(),
			"uid":                       rec.UID,
			"worker_id":                 string(rec.WorkerId),
			"timestamp":                 rec.Timestamp,
			"boot_time":                 rec.BootTime,
			"last_operation_time":       rec.LastOperationTime,
			"current_time":              rec.CurrentTime,
			"twitter_auth_errors":       rec.Counters.TwitterAuthErrors,
			"twitter_errors":            rec.Counters.TwitterErrors,
			"twitter_ratelimit_errors":  rec.Counters.TwitterRatelimitErrors,
			"twitter_returned_other":    rec.Counters.TwitterReturnedOther,
			"twitter_returned_profiles": rec.Counters.TwitterReturnedProfiles,
			"twitter_returned_tweets":   rec.Counters.TwitterReturnedTweets,
			"twitter_scrapes":           rec.Counters.TwitterScrapes,
			"web_errors":                rec.Counters.WebErrors,
			"web_success":               rec.Counters.WebSuccess,
		})
	}
	return out
}

func (s *Server) monitorWorkerHotkey(w http.ResponseWriter, r *http.Request) {
	workerID := types.WorkerId(mux.Vars(r)["worker_id"])
	hotkey, ok, err := s.routing.GetWorkerHotkey(workerID)
	if err != nil {
		errJSON(w, err)
		return
	}
	if !ok {
		writeJSON(w, map[string]interface{}{"worker_id": string(workerID), "hotkey": nil, "message": "Worker ID not found"})
		return
	}
	writeJSON(w, map[string]interface{}{"worker_id": string(workerID), "hotkey": hotkey.String()})
}

func (s *Server) monitorUnregisteredTEEAddresses(w http.ResponseWriter, r *http.Request) {
	entries, err := s.routing.UnregisteredEntries()
	if err != nil {
		errJSON(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"address":   string(e.Address),
			"hotkey":    e.Hotkey.String(),
			"timestamp": e.Timestamp,
		})
	}
	writeJSON(w, map[string]interface{}{"count": len(entries), "unregistered_tee_addresses": out})
}

func (s *Server) monitorErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := s.errors.All()
	if err != nil {
		errJSON(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"count":           len(errs),
		"errors":          errorDicts(errs),
		"error_count_24h": countSince(errs, 24*time.Hour),
		"error_count_1h":  countSince(errs, time.Hour),
	})
}

func (s *Server) monitorErrorsByHotkey(w http.ResponseWriter, r *http.Request) {
	hotkey, err := types.HotkeyFromHex(mux.Vars(r)["hotkey"])
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid hotkey"})
		return
	}
	errs, err := s.errors.ForHotkey(hotkey)
	if err != nil {
		errJSON(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"hotkey": hotkey.String(), "count": len(errs), "errors": errorDicts(errs)})
}

func errorDicts(errs []types.ErrorRecord) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(errs))
	for _, e := range errs {
		out = append(out, map[string]interface{}{
			"id":            e.ID,
			"timestamp":     e.Timestamp,
			"hotkey":        e.Hotkey.String(),
			"tee_address":   string(e.TEEAddress),
			"miner_address": e.MinerAddress,
			"message":       e.Message,
		})
	}
	return out
}

func countSince(errs []types.ErrorRecord, window time.Duration) int {
	cutoff := time.Now().Add(-window)
	n := 0
	for _, e := range errs {
		if e.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

func (s *Server) cleanupErrors(w http.ResponseWriter, r *http.Request) {
	removed, err := s.errors.CleanupOlderThan(s.cfg.ErrorLogsRetentionDays)
	if err != nil {
		writeJSON(w, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, map[string]interface{}{
		"success":        true,
		"retention_days": s.cfg.ErrorLogsRetentionDays,
		"removed_count":  removed,
		"message":        strconv.FormatInt(removed, 10) + " error logs older than retention were removed",
	})
}

func (s *Server) monitoringProcesses(w http.ResponseWriter, r *http.Request) {
	names := []string{"sync", "update_tee", "telemetry", "set_weights", "send_connected_nodes", "monitor_cleanup"}
	processes := map[string]interface{}{}
	for _, name := range names {
		if stats, ok := s.monitor.GetStatistics(name); ok {
			processes[name] = stats
		}
	}
	writeJSON(w, map[string]interface{}{
		"monitoring_status": map[string]interface{}{"timestamp": time.Now()},
		"processes":         processes,
	})
}

// monitoringProcess builds a handler sharing the shape of
// original_source/validator/api_routes.py's monitor_nats_publishing /
// monitor_weights_setting / monitor_priority_miners_publishing: each reports
// the statistics for one named process under a caller-chosen JSON key.
func (s *Server) monitoringProcess(processName, jsonKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, ok := s.monitor.GetStatistics(processName)
		if !ok {
			writeJSON(w, map[string]interface{}{
				"error": "no runs recorded yet",
				"monitoring_status": map[string]interface{}{
					"process_name": processName,
					"timestamp":    time.Now(),
				},
			})
			return
		}
		writeJSON(w, map[string]interface{}{
			"monitoring_status": map[string]interface{}{
				"process_name": processName,
				"timestamp":    time.Now(),
			},
			jsonKey: stats,
		})
	}
}

func (s *Server) triggerSendConnectedNodes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.sched.PublishConnectedNodes(ctx); err != nil {
		writeJSON(w, map[string]interface{}{"success": false, "error": err.Error(), "timestamp": time.Now()})
		return
	}
	writeJSON(w, map[string]interface{}{
		"success":   true,
		"message":   "NATS send_connected_nodes process triggered successfully",
		"timestamp": time.Now(),
	})
}

func (s *Server) addUnregisteredTEE(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
		Hotkey  string `json:"hotkey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Address == "" || body.Hotkey == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "both 'address' and 'hotkey' are required fields"})
		return
	}
	hotkey, err := types.HotkeyFromHex(body.Hotkey)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid hotkey"})
		return
	}
	address, err := types.NewTEEAddress(body.Address)
	if err != nil {
		writeJSON(w, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	if err := s.routing.StageUnverified(address, hotkey); err != nil {
		writeJSON(w, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, map[string]interface{}{"success": true, "message": "staged TEE address " + string(address) + " for verification"})
}

func (s *Server) scoreSimulationData(w http.ResponseWriter, r *http.Request) {
	scores, err := s.sched.ScoreSnapshot(r.Context())
	if err != nil {
		errJSON(w, err)
		return
	}
	out := map[string]float64{}
	for _, sc := range scores {
		out[sc.Hotkey.String()] = sc.FinalScore
	}
	writeJSON(w, out)
}

func (s *Server) priorityMinersList(w http.ResponseWriter, r *http.Request) {
	listSize := s.cfg.PriorityListSize
	if raw := r.URL.Query().Get("list_size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			listSize = n
		}
	}

	scores, err := s.sched.ScoreSnapshot(r.Context())
	if err != nil {
		errJSON(w, err)
		return
	}
	byHotkey := map[types.Hotkey]float64{}
	for _, sc := range scores {
		byHotkey[sc.Hotkey] = sc.FinalScore
	}
	routes, err := s.routing.GetAllAddressesWithHotkeys()
	if err != nil {
		errJSON(w, err)
		return
	}
	addressScores := make([]weights.AddressScore, 0, len(routes))
	for _, route := range routes {
		addressScores = append(addressScores, weights.AddressScore{Address: route.Address, Score: byHotkey[route.Hotkey]})
	}
	list := weights.GetPriorityMinersDeterministic(addressScores, listSize)
	writeJSON(w, map[string]interface{}{"list_size": listSize, "priority_miners": list})
}

func (s *Server) dashboardData(w http.ResponseWriter, r *http.Request) {
	addrs, err := s.routing.GetAllAddressesWithHotkeys()
	if err != nil {
		errJSON(w, err)
		return
	}
	records, err := s.telemetry.All()
	if err != nil {
		errJSON(w, err)
		return
	}
	errs, err := s.errors.All()
	if err != nil {
		errJSON(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"registered_addresses": len(addrs),
		"telemetry_records":    len(records),
		"error_count_24h":      countSince(errs, 24*time.Hour),
		"generated_at":         time.Now(),
	})
}

// dashboard is a minimal static placeholder: HTML dashboards are out of
// scope (spec.md §1), this just proves the route is wired.
func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!doctype html><html><head><title>subnet-42 validator</title></head>` +
		`<body><h1>subnet-42 validator</h1><p>See /dashboard/data for the JSON feed.</p></body></html>`))
}
