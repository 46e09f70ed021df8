package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/SlidePilot/internal/debug"
	"github.com/cjeanneret/SlidePilot/internal/logic/control"
	"github.com/gorilla/websocket"
)

const (
	// MaxBodyBytes caps request bodies; parameters travel in the form.
	MaxBodyBytes = 1 << 20

	// DefaultMoveInterval is the minimum time between two motion requests.
	DefaultMoveInterval = 250 * time.Millisecond

	// MaxJogMM bounds a single jog request.
	MaxJogMM = 1000.0
	// MaxDriveMS bounds a manual drive window.
	MaxDriveMS = 10 * 60 * 1000
	// MaxStops bounds a stop-motion job.
	MaxStops = 500
)

// Controller is the control loop as seen by the handlers.
type Controller interface {
	Submit(cmd control.Command) error
	Status() control.Status
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Control     Controller

	// MoveInterval rate-limits jog, drive, replay, wizard and stops.
	MoveInterval time.Duration

	moveMu   sync.Mutex
	lastMove time.Time
	now      func() time.Time

	staticFS fs.FS
	upgrader websocket.Upgrader
}

// NewHandlers creates handlers with the given dependencies.
// If ctl is nil, every command returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, ctl Controller, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Control:      ctl,
		MoveInterval: DefaultMoveInterval,
		now:          time.Now,
		staticFS:     staticFS,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The page is served from the device itself on a local network.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ValidateSpeed checks a speed percent.
func ValidateSpeed(p int) error {
	if p < 5 || p > 100 {
		return fmt.Errorf("p must be between 5 and 100, got %d", p)
	}
	return nil
}

// ValidateJog checks a jog distance in millimetres.
func ValidateJog(mm float64) error {
	if math.IsNaN(mm) || math.IsInf(mm, 0) {
		return fmt.Errorf("mm must be a finite number")
	}
	if mm == 0 || math.Abs(mm) > MaxJogMM {
		return fmt.Errorf("mm must be non-zero and within ±%g, got %g", MaxJogMM, mm)
	}
	return nil
}

// ValidateDrive checks manual drive parameters. p 0 keeps the current speed.
func ValidateDrive(dir, p, ms int) error {
	if dir != 1 && dir != -1 {
		return fmt.Errorf("dir must be 1 or -1, got %d", dir)
	}
	if p != 0 {
		if err := ValidateSpeed(p); err != nil {
			return err
		}
	}
	if ms <= 0 || ms > MaxDriveMS {
		return fmt.Errorf("ms must be between 1 and %d, got %d", MaxDriveMS, ms)
	}
	return nil
}

// ValidateStops checks a stop count. 0 uses the saved default.
func ValidateStops(n int) error {
	if n != 0 && (n < 2 || n > MaxStops) {
		return fmt.Errorf("n must be 0 or between 2 and %d, got %d", MaxStops, n)
	}
	return nil
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

// HandleStatus returns the latest control snapshot as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Control == nil {
		http.Error(w, "controller not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Control.Status())
}

// HandleStop handles POST /api/stop. Never rate-limited.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if !h.post(w, r) {
		return
	}
	h.submit(w, control.Command{Kind: control.Stop})
}

// HandleSpeed handles POST /api/speed?p=.
func (h *Handlers) HandleSpeed(w http.ResponseWriter, r *http.Request) {
	if !h.post(w, r) {
		return
	}
	p, err := strconv.Atoi(r.Form.Get("p"))
	if err != nil {
		http.Error(w, "p must be an integer", http.StatusBadRequest)
		return
	}
	if err := ValidateSpeed(p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.submit(w, control.Command{Kind: control.SetSpeed, Percent: p})
}

// HandleJog handles POST /api/jog?mm=.
func (h *Handlers) HandleJog(w http.ResponseWriter, r *http.Request) {
	if !h.post(w, r) {
		return
	}
	mm, err := strconv.ParseFloat(r.Form.Get("mm"), 64)
	if err != nil {
		http.Error(w, "mm must be a number", http.StatusBadRequest)
		return
	}
	if err := ValidateJog(mm); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.move(w, control.Command{Kind: control.Jog, MM: mm})
}

// HandleDrive handles POST /api/drive?dir=&p=&ms=.
func (h *Handlers) HandleDrive(w http.ResponseWriter, r *http.Request) {
	if !h.post(w, r) {
		return
	}
	dir, err1 := strconv.Atoi(r.Form.Get("dir"))
	ms, err2 := strconv.Atoi(r.Form.Get("ms"))
	p := 0
	var err3 error
	if s := r.Form.Get("p"); s != "" {
		p, err3 = strconv.Atoi(s)
	}
	if err := errors.Join(err1, err2, err3); err != nil {
		http.Error(w, "dir, p and ms must be integers", http.StatusBadRequest)
		return
	}
	if err := ValidateDrive(dir, p, ms); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.move(w, control.Command{
		Kind:     control.Drive,
		Forward:  dir > 0,
		Percent:  p,
		Duration: time.Duration(ms) * time.Millisecond,
	})
}

// HandleReplay handles POST /api/replay.
func (h *Handlers) HandleReplay(w http.ResponseWriter, r *http.Request) {
	if !h.post(w, r) {
		return
	}
	h.move(w, control.Command{Kind: control.Replay})
}

// HandleWizard handles POST /api/wizard.
func (h *Handlers) HandleWizard(w http.ResponseWriter, r *http.Request) {
	if !h.post(w, r) {
		return
	}
	h.move(w, control.Command{Kind: control.StartWizard})
}

// HandleStops handles POST /api/stops?n=.
func (h *Handlers) HandleStops(w http.ResponseWriter, r *http.Request) {
	if !h.post(w, r) {
		return
	}
	n := 0
	if s := r.Form.Get("n"); s != "" {
		var err error
		if n, err = strconv.Atoi(s); err != nil {
			http.Error(w, "n must be an integer", http.StatusBadRequest)
			return
		}
	}
	if err := ValidateStops(n); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.move(w, control.Command{Kind: control.RunStops, Stops: n})
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

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
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

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = 20 * time.Second
)

// HandleStatusWS handles GET /status/ws: the same events as the SSE
// stream, one JSON text frame each, starting with the current snapshot.
func (h *Handlers) HandleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Verbose("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	if h.Control != nil {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(StatusEvent{
			Time:  time.Now().Format(time.RFC3339),
			Level: "status",
			Data:  h.Control.Status(),
		}); err != nil {
			return
		}
	}

	// Reader: handles pongs and notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// post rejects non-POST requests and parses the size-limited form.
func (h *Handlers) post(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return false
	}
	if h.Control == nil {
		http.Error(w, "controller not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// move applies the single-flight and rate-limit guards before submitting.
func (h *Handlers) move(w http.ResponseWriter, cmd control.Command) {
	if st := h.Control.Status(); st.Busy || isActive(st.State) {
		http.Error(w, fmt.Sprintf("slider busy (%s)", st.State), http.StatusConflict)
		return
	}

	h.moveMu.Lock()
	now := h.now()
	if !h.lastMove.IsZero() && now.Sub(h.lastMove) < h.MoveInterval {
		h.moveMu.Unlock()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	h.lastMove = now
	h.moveMu.Unlock()

	h.submit(w, cmd)
}

func (h *Handlers) submit(w http.ResponseWriter, cmd control.Command) {
	if err := h.Control.Submit(cmd); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "command": cmd.Kind.String()})
}

func isActive(state string) bool {
	return state == "running" || state == "homing-a" || state == "homing-b"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
