package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/jarbozhang/bit-sender/internal/builder"
	"github.com/jarbozhang/bit-sender/internal/capture"
	"github.com/jarbozhang/bit-sender/internal/correlator"
	"github.com/jarbozhang/bit-sender/internal/rawlink"
	"github.com/jarbozhang/bit-sender/internal/transmitter"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, APIError{Error: err.Error()})
}

// packetRequest is the wire shape of {protocol, fields, payload?}.
type packetRequest struct {
	Protocol string            `json:"protocol"`
	Fields   map[string]string `json:"fields"`
	Payload  string            `json:"payload,omitempty"`
}

func (p packetRequest) toBuilderRequest() builder.Request {
	return builder.Request{Protocol: p.Protocol, Fields: p.Fields, Payload: p.Payload}
}

// ServeSendPacket implements POST /packets/send: one-shot send_packet.
func ServeSendPacket(reg *transmitter.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Packet    packetRequest `json:"packet"`
			Interface string        `json:"interface,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		frame, err := builder.Build(req.Packet.toBuilderRequest())
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		result, err := reg.SendOnce(frame, req.Interface, nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// ServeInterfaces implements GET /interfaces: get_network_interfaces.
func ServeInterfaces() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := rawlink.ListInterfaces()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, infos)
	}
}

type stopConditionRequest struct {
	Kind     string `json:"kind"` // "manual", "duration", "count"
	Seconds  uint64 `json:"seconds,omitempty"`
	Count    uint64 `json:"count,omitempty"`
}

func (s stopConditionRequest) toStopCondition() transmitter.StopCondition {
	switch s.Kind {
	case "duration":
		return transmitter.StopCondition{Kind: transmitter.StopDuration, Seconds: s.Seconds}
	case "count":
		return transmitter.StopCondition{Kind: transmitter.StopCount, Count: s.Count}
	default:
		return transmitter.StopCondition{Kind: transmitter.StopManual}
	}
}

// ServeBatchStart implements POST /batch/start: start_batch_send.
func ServeBatchStart(reg *transmitter.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Packet        packetRequest        `json:"packet"`
			Interface     string               `json:"interface,omitempty"`
			Frequency     float64              `json:"frequency"`
			StopCondition stopConditionRequest `json:"stop_condition,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		frame, err := builder.Build(req.Packet.toBuilderRequest())
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		taskID, err := reg.StartBatch(frame, req.Interface, req.Frequency, req.StopCondition.toStopCondition(), nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
	}
}

// ServeBatchStatus implements GET /batch/status?task_id=: get_batch_send_status.
func ServeBatchStatus(reg *transmitter.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Query().Get("task_id")
		status, ok := reg.Status(taskID)
		if !ok {
			writeJSON(w, http.StatusOK, nil)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// ServeBatchStop implements POST /batch/stop?task_id=: stop_batch_send.
func ServeBatchStop(reg *transmitter.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Query().Get("task_id")
		writeJSON(w, http.StatusOK, map[string]bool{"stopped": reg.Stop(taskID)})
	}
}

type captureFiltersRequest struct {
	Protocol string `json:"protocol,omitempty"`
	SrcMAC   string `json:"src_mac,omitempty"`
	DstMAC   string `json:"dst_mac,omitempty"`
	SrcIP    string `json:"src_ip,omitempty"`
	DstIP    string `json:"dst_ip,omitempty"`
	Port     uint16 `json:"port,omitempty"`
}

func (f captureFiltersRequest) toCaptureFilters() capture.CaptureFilters {
	return capture.CaptureFilters{
		Protocol: f.Protocol, SrcMAC: f.SrcMAC, DstMAC: f.DstMAC,
		SrcIP: f.SrcIP, DstIP: f.DstIP, Port: f.Port,
	}
}

// ServeCaptureStart implements POST /capture/start: start_packet_capture.
func ServeCaptureStart(p *capture.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Interface string                `json:"interface"`
			Filters   captureFiltersRequest `json:"filters,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		msg, err := p.Start(req.Interface, req.Filters.toCaptureFilters())
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": msg})
	}
}

// ServeCaptureStop implements POST /capture/stop: stop_packet_capture.
func ServeCaptureStop(p *capture.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := p.Stop()
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": msg})
	}
}

// ServeCaptureStatus implements GET /capture/status: get_capture_status.
func ServeCaptureStatus(p *capture.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Running())
	}
}

// ServeCaptureStatistics implements GET /capture/statistics: get_packet_statistics.
func ServeCaptureStatistics(p *capture.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, ok := p.Statistics()
		if !ok {
			writeJSON(w, http.StatusOK, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func parseMax(r *http.Request) int {
	v := r.URL.Query().Get("max")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ServeCapturePackets implements GET /capture/packets?max=: get_captured_packets.
func ServeCapturePackets(p *capture.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Packets(parseMax(r)))
	}
}

// ServeCapturePacketsFiltered implements GET /capture/packets/filtered?max=&protocol=:
// get_filtered_packets.
func ServeCapturePacketsFiltered(p *capture.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proto := r.URL.Query().Get("protocol")
		writeJSON(w, http.StatusOK, p.FilteredPackets(parseMax(r), proto))
	}
}

type testConfigRequest struct {
	Kind       string `json:"kind"` // "ping", "arp", "tcp", "udp"
	TargetIP   string `json:"target_ip"`
	TargetPort uint16 `json:"target_port,omitempty"`
	IntervalMs uint64 `json:"interval_ms"`
	Count      uint64 `json:"count,omitempty"`
	TimeoutMs  uint64 `json:"timeout_ms"`
}

func (c testConfigRequest) toTestConfig() correlator.TestConfig {
	return correlator.TestConfig{
		Kind:       correlator.TestKind(c.Kind),
		TargetIP:   c.TargetIP,
		TargetPort: c.TargetPort,
		IntervalMs: c.IntervalMs,
		Count:      c.Count,
		TimeoutMs:  c.TimeoutMs,
	}
}

// ServeMonitorStart implements POST /monitor/start: start_response_monitoring.
func ServeMonitorStart(m *correlator.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Interface  string            `json:"interface"`
			TestConfig testConfigRequest `json:"test_config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		msg, err := m.Start(req.Interface, req.TestConfig.toTestConfig())
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": msg})
	}
}

// ServeMonitorStop implements POST /monitor/stop: stop_response_monitoring.
func ServeMonitorStop(m *correlator.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := m.Stop()
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": msg})
	}
}

// ServeMonitorStatus implements GET /monitor/status: get_monitoring_status.
func ServeMonitorStatus(m *correlator.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.Running())
	}
}

// ServeMonitorStatistics implements GET /monitor/statistics: get_monitoring_statistics.
func ServeMonitorStatistics(m *correlator.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, ok := m.Statistics()
		if !ok {
			writeJSON(w, http.StatusOK, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ServeMonitorResults implements GET /monitor/results?max=: get_test_results.
func ServeMonitorResults(m *correlator.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.Results(parseMax(r)))
	}
}

// NewMux builds the full command-surface router from spec.md §6 /
// SPEC_FULL.md §4.6's route table.
func NewMux(reg *transmitter.Registry, pipeline *capture.Pipeline, mon *correlator.Monitor) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /packets/send", ServeSendPacket(reg))
	mux.HandleFunc("GET /interfaces", ServeInterfaces())

	mux.HandleFunc("POST /batch/start", ServeBatchStart(reg))
	mux.HandleFunc("GET /batch/status", ServeBatchStatus(reg))
	mux.HandleFunc("POST /batch/stop", ServeBatchStop(reg))

	mux.HandleFunc("POST /capture/start", ServeCaptureStart(pipeline))
	mux.HandleFunc("POST /capture/stop", ServeCaptureStop(pipeline))
	mux.HandleFunc("GET /capture/status", ServeCaptureStatus(pipeline))
	mux.HandleFunc("GET /capture/statistics", ServeCaptureStatistics(pipeline))
	mux.HandleFunc("GET /capture/packets", ServeCapturePackets(pipeline))
	mux.HandleFunc("GET /capture/packets/filtered", ServeCapturePacketsFiltered(pipeline))

	mux.HandleFunc("POST /monitor/start", ServeMonitorStart(mon))
	mux.HandleFunc("POST /monitor/stop", ServeMonitorStop(mon))
	mux.HandleFunc("GET /monitor/status", ServeMonitorStatus(mon))
	mux.HandleFunc("GET /monitor/statistics", ServeMonitorStatistics(mon))
	mux.HandleFunc("GET /monitor/results", ServeMonitorResults(mon))

	return mux
}
