// Package control implements the pod's HTTP Control Surface: the routes an
// external scheduler (or a peer, during rollout) uses to introspect a pod
// and drive its Lifecycle Executor.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ochopod/agent/pkg/coordinator"
	"github.com/ochopod/agent/pkg/hints"
	"github.com/ochopod/agent/pkg/lifecycle"
	"github.com/ochopod/agent/pkg/log"
	"github.com/ochopod/agent/pkg/metrics"
)

// defaultControlTimeout is how long /control/<task> waits on the Executor's
// latch when the caller doesn't supply a <timeout> path segment.
const defaultControlTimeout = 60 * time.Second

var controlTasks = map[string]lifecycle.Task{
	"check":  lifecycle.TaskCheck,
	"on":     lifecycle.TaskOn,
	"off":    lifecycle.TaskOff,
	"ok":     lifecycle.TaskOk,
	"kill":   lifecycle.TaskKill,
	"signal": lifecycle.TaskSignal,
}

// Tools maps an /exec tool name (the first token of X-Shell) to the
// executable invoked for it. Registered by the pod script.
type Tools map[string]string

// Server is the HTTP Control Surface. One Server is created per pod.
type Server struct {
	hints       *hints.Hints
	coordinator *coordinator.Coordinator
	executor    *lifecycle.Executor
	tools       Tools
	tail        *log.Tail
	logger      zerolog.Logger

	mux *http.ServeMux
	srv *http.Server
}

// New builds a Server. tail may be nil, in which case /log always returns
// an empty array.
func New(h *hints.Hints, c *coordinator.Coordinator, e *lifecycle.Executor, tools Tools, tail *log.Tail) *Server {
	if tools == nil {
		tools = Tools{}
	}

	s := &Server{
		hints:       h,
		coordinator: c,
		executor:    e,
		tools:       tools,
		tail:        tail,
		logger:      log.WithComponent("control"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/info", s.withMetrics("info", s.handleInfo))
	mux.HandleFunc("/log", s.withMetrics("log", s.handleLog))
	mux.HandleFunc("/reset", s.withMetrics("reset", s.handleReset))
	mux.HandleFunc("/control/", s.withMetrics("control", s.handleControl))
	mux.HandleFunc("/exec", s.withMetrics("exec", s.handleExec))
	mux.HandleFunc("/terminate", s.withMetrics("terminate", s.handleTerminate))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	s.mux = mux

	metrics.UpdateComponent("control", true, "serving")

	return s
}

// Handler exposes the ServeMux for embedding or testing.
func (s *Server) Handler() http.Handler { return s.mux }

// Run starts the HTTP server on addr and blocks until ctx is cancelled or
// /terminate is hit. It always returns a non-nil error: ctx.Err() when ctx is
// cancelled, http.ErrServerClosed after /terminate.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// statusWriter captures the response code so withMetrics can label the
// requests-total counter by outcome.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) withMetrics(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		timer := metrics.NewTimer()
		h(sw, r)
		metrics.ControlRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
		timer.ObserveDurationVec(metrics.ControlRequestDuration, route)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hints.Snapshot())
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	lines := []string{}
	if s.tail != nil {
		lines = s.tail.Lines()
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.coordinator != nil {
		s.coordinator.Reset()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleControl implements /control/<task>[/<timeout>], enqueuing the task
// on the Executor and blocking on its latch.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/control/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing task"})
		return
	}

	task, ok := controlTasks[parts[0]]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown task " + parts[0]})
		return
	}

	timeout := defaultControlTimeout
	if len(parts) == 2 && parts[1] != "" {
		secs, err := strconv.Atoi(parts[1])
		if err != nil || secs <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid timeout"})
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	if s.hints.Process() == hints.ProcessDead {
		writeJSON(w, http.StatusGone, map[string]string{"error": "pod terminated"})
		return
	}

	var view hints.ClusterView
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed reading body"})
		return
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &view); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cluster view payload"})
			return
		}
	}

	latch := s.executor.Enqueue(task, view, payload)

	select {
	case reply := <-latch:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reply.Code)
		_, _ = w.Write(reply.Body)
	case <-time.After(timeout):
		writeJSON(w, http.StatusRequestTimeout, map[string]string{"error": "timed out waiting for executor"})
	}
}

// handleExec implements /exec: the header X-Shell: "<tool> <args...>"
// selects a registered tool, optional multipart attachments are written
// into a fresh temporary working directory, and the tool's exit code and
// stdout are returned as JSON.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	shell := r.Header.Get("X-Shell")
	fields := strings.Fields(shell)
	if len(fields) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-Shell header"})
		return
	}

	bin, ok := s.tools[fields[0]]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unregistered tool " + fields[0]})
		return
	}

	dir, err := os.MkdirTemp("", "ochopod-exec-")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	defer os.RemoveAll(dir)

	if err := writeAttachments(r, dir); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	cmd := exec.CommandContext(r.Context(), bin, fields[1:]...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	code := 0
	if err := cmd.Run(); err != nil {
		code = exitCode(err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code":   code,
		"stdout": out.String(),
	})
}

func writeAttachments(r *http.Request, dir string) error {
	if r.Header.Get("Content-Type") == "" {
		return nil
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		if err == http.ErrNotMultipart {
			return nil
		}
		return fmt.Errorf("control: parsing attachments: %w", err)
	}
	if r.MultipartForm == nil {
		return nil
	}
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			src, err := fh.Open()
			if err != nil {
				return err
			}
			dst, err := os.Create(dir + "/" + fh.Filename)
			if err != nil {
				src.Close()
				return err
			}
			_, err = io.Copy(dst, src)
			src.Close()
			dst.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// handleTerminate implements /terminate: loopback only, shuts the HTTP
// server down.
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "loopback only"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "terminating"})

	go func() {
		time.Sleep(100 * time.Millisecond)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.srv != nil {
			_ = s.srv.Shutdown(shutdownCtx)
		}
	}()
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
