package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ochopod/agent/pkg/hints"
	"github.com/ochopod/agent/pkg/lifecycle"
)

func newTestServer(t *testing.T) (*Server, *lifecycle.Executor, *hints.Hints) {
	t.Helper()
	h := hints.New("u1", hints.Breadcrumbs{Cluster: "db", Namespace: "ns"})
	e := lifecycle.New(h, lifecycle.Options{})
	s := New(h, nil, e, nil, nil)
	return s, e, h
}

func TestHandleInfoReturnsSnapshot(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/info", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"state"`)
}

func TestHandleLogEmptyWithoutTail(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/log", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())
}

func TestHandleControlUnknownTask(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/control/frobnicate", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleControlCheckRoundTrips(t *testing.T) {
	s, e, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	req := httptest.NewRequest(http.MethodPost, "/control/check", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleControlInvalidTimeout(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/control/check/not-a-number", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleControlGoneWhenDead(t *testing.T) {
	s, _, h := newTestServer(t)
	h.SetProcess(hints.ProcessDead)

	req := httptest.NewRequest(http.MethodPost, "/control/check", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusGone, rr.Code)
}

func TestHandleExecUnregisteredTool(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/exec", nil)
	req.Header.Set("X-Shell", "nope --flag")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleTerminateRejectsNonLoopback(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/terminate", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}
