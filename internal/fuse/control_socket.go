package fuse

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ControlSocketHandler serves mount management requests on a unix socket
// next to the overlay store. The CLI uses it to query status and to ask
// for a clean unmount.
type ControlSocketHandler struct {
	socketPath string
	session    *MountSession
	listener   net.Listener
	logger     *slog.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	// unmountRequested fires once when an unmount request arrives.
	unmountRequested chan struct{}
	once             sync.Once
}

// ControlRequest is received from the CLI.
type ControlRequest struct {
	Action string `json:"action"` // status, unmount
}

// ControlResponse is sent to the CLI.
type ControlResponse struct {
	Success    bool   `json:"success"`
	UUID       string `json:"uuid,omitempty"`
	Files      int    `json:"files,omitempty"`
	Loaded     int    `json:"loaded,omitempty"`
	Unmounting bool   `json:"unmounting,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewControlSocketHandler creates the control socket inside overlayDir.
func NewControlSocketHandler(overlayDir string, session *MountSession, logger *slog.Logger) (*ControlSocketHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	socketPath := filepath.Join(overlayDir, "control.sock")
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ControlSocketHandler{
		socketPath:       socketPath,
		session:          session,
		listener:         listener,
		logger:           logger.With("component", "control-socket"),
		ctx:              ctx,
		cancel:           cancel,
		unmountRequested: make(chan struct{}),
	}, nil
}

// Start begins accepting connections.
func (h *ControlSocketHandler) Start() {
	h.wg.Add(1)
	go h.acceptLoop()
	h.logger.Info("control socket started", "path", h.socketPath)
}

// Stop closes the socket and waits for in-flight connections.
func (h *ControlSocketHandler) Stop() {
	h.cancel()
	h.listener.Close()
	h.wg.Wait()
	os.Remove(h.socketPath)
	h.logger.Info("control socket stopped")
}

// UnmountRequested is closed when a client asks for unmount.
func (h *ControlSocketHandler) UnmountRequested() <-chan struct{} {
	return h.unmountRequested
}

func (h *ControlSocketHandler) acceptLoop() {
	defer h.wg.Done()

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.ctx.Done():
				return
			default:
				h.logger.Warn("accept error", "error", err)
				continue
			}
		}

		h.wg.Add(1)
		go h.handleConnection(conn)
	}
}

func (h *ControlSocketHandler) handleConnection(conn net.Conn) {
	defer h.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))

	var req ControlRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request", "error", err)
		json.NewEncoder(conn).Encode(ControlResponse{Success: false, Error: "invalid request"})
		return
	}

	h.logger.Debug("control request", "action", req.Action)

	var resp ControlResponse
	switch req.Action {
	case "status":
		resp = h.handleStatus()
	case "unmount":
		resp = h.handleUnmount()
	default:
		resp = ControlResponse{Success: false, Error: "unknown action: " + req.Action}
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

func (h *ControlSocketHandler) handleStatus() ControlResponse {
	s := h.session
	s.mu.Lock()
	loaded := len(s.loaded)
	unmounting := s.unmounting
	s.mu.Unlock()

	return ControlResponse{
		Success:    true,
		UUID:       s.store.UUID(),
		Files:      len(s.files),
		Loaded:     loaded,
		Unmounting: unmounting,
	}
}

func (h *ControlSocketHandler) handleUnmount() ControlResponse {
	h.once.Do(func() { close(h.unmountRequested) })
	return ControlResponse{Success: true, Message: "unmount requested"}
}
