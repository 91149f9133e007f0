package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/stepper595/internal/debug"
	"github.com/cjeanneret/stepper595/internal/hw/stepper"
)

// MaxJogSteps bounds a single jog request (about 24 output turns).
const MaxJogSteps = 100000

const maxBodyBytes = 4 * 1024

// JogRequest is the body of POST /jog.
type JogRequest struct {
	Motor     string `json:"motor"`     // "a", "b" or "both"
	Direction string `json:"direction"` // "cw" or "ccw"
	Steps     int    `json:"steps"`
}

// RunJogFunc performs a jog. It is called from the POST /jog handler in a
// goroutine; ctx is cancelled by POST /stop.
type RunJogFunc func(ctx context.Context, req JogRequest) error

// FormConfig holds default values for the jog form (from config).
type FormConfig struct {
	Motor     string `json:"motor"`
	Direction string `json:"direction"`
	Steps     int    `json:"steps"`
	DelayMs   int    `json:"delay_ms"`
}

// MotorState is one motor's view in State.
type MotorState struct {
	Name     string `json:"name"`
	Phase    int    `json:"phase"`
	Deadline uint32 `json:"deadline"`
}

// State is a snapshot of the driver, served by GET /state.
type State struct {
	DelayMs  uint16       `json:"delay_ms"`
	Framing  string       `json:"framing"`
	LastByte string       `json:"last_byte"`
	Motors   []MotorState `json:"motors"`
	Running  bool         `json:"running"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Driver       *stepper.Driver
	RunJog       RunJogFunc
	FormDefaults FormConfig
	runningMu    sync.Mutex
	running      bool
	cancel       context.CancelFunc
	staticFS     fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If runJog is nil, POST /jog returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, drv *stepper.Driver, runJog RunJogFunc, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Driver:       drv,
		RunJog:       runJog,
		FormDefaults: formDefaults,
		staticFS:     staticFS,
	}
}

// ValidateJog checks a jog request.
func ValidateJog(req JogRequest) error {
	if m := strings.ToLower(req.Motor); m != "both" {
		if _, err := stepper.ParseMotor(m); err != nil {
			return fmt.Errorf("motor must be a, b or both")
		}
	}
	if _, err := stepper.ParseDirection(req.Direction); err != nil {
		return fmt.Errorf("direction must be cw or ccw")
	}
	if req.Steps < 1 || req.Steps > MaxJogSteps {
		return fmt.Errorf("steps must be between 1 and %d", MaxJogSteps)
	}
	return nil
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// HandleState returns a snapshot of the driver.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleJog handles POST /jog to start a jog.
func (h *Handlers) HandleJog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JogRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateJog(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.RunJog == nil {
		http.Error(w, "jog not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "jog already in progress", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.running = true
	h.cancel = cancel
	h.runningMu.Unlock()

	go func() {
		defer func() {
			cancel()
			h.runningMu.Lock()
			h.running = false
			h.cancel = nil
			h.runningMu.Unlock()
			h.Broadcaster.BroadcastState(h.state())
		}()

		if err := h.RunJog(ctx, req); err != nil {
			h.Broadcaster.Broadcast("error", "Jog failed: "+err.Error())
			debug.Error(err)
		} else {
			h.Broadcaster.Broadcast("info", "Jog complete")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleStop handles POST /stop {"motor":"a|b|all"}. It cancels a running
// jog before de-energizing the coils.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Motor string `json:"motor"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	h.runningMu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.runningMu.Unlock()

	var err error
	switch m := strings.ToLower(req.Motor); m {
	case "", "all":
		err = h.Driver.StopAll()
	default:
		motor, perr := stepper.ParseMotor(m)
		if perr != nil {
			http.Error(w, "motor must be a, b or all", http.StatusBadRequest)
			return
		}
		err = h.Driver.StopMotor(motor)
	}
	if err != nil {
		http.Error(w, "stop failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	st := h.state()
	h.Broadcaster.BroadcastState(st)
	writeJSON(w, http.StatusOK, st)
}

// HandleDelay handles POST /delay {"delay_ms":N}. Out-of-range values are
// rejected here, unlike the driver which ignores them silently.
func (h *Handlers) HandleDelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DelayMs *int `json:"delay_ms"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.DelayMs == nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if *req.DelayMs < 0 || *req.DelayMs > stepper.MaxDelay {
		http.Error(w, fmt.Sprintf("delay_ms must be between 0 and %d", stepper.MaxDelay), http.StatusBadRequest)
		return
	}
	h.Driver.SetDelay(uint16(*req.DelayMs))

	st := h.state()
	h.Broadcaster.BroadcastState(st)
	writeJSON(w, http.StatusOK, st)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handlers) isRunning() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	return h.running
}

func (h *Handlers) state() State {
	st := State{Running: h.isRunning()}
	if h.Driver == nil {
		return st
	}
	st.DelayMs = h.Driver.Delay()
	st.Framing = h.Driver.Framing().String()
	st.LastByte = fmt.Sprintf("0b%08b", h.Driver.LastByte())
	for _, m := range []stepper.Motor{stepper.MotorA, stepper.MotorB} {
		st.Motors = append(st.Motors, MotorState{
			Name:     m.String(),
			Phase:    h.Driver.Phase(m),
			Deadline: h.Driver.Deadline(m),
		})
	}
	return st
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
