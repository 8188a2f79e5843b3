package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// CapturedRequest records one request received by the mock upstream.
type CapturedRequest struct {
	Method string
	Path   string
	Body   []byte
}

// UpstreamServer is an httptest.Server standing in for the protected
// upstream service. It captures every request and serves a settable
// canned response.
type UpstreamServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []CapturedRequest
	status   int
	body     string
	failures int // remaining forced failures before status/body apply
	failWith int
}

// NewUpstreamServer starts a mock upstream answering 200 with an empty
// JSON object until told otherwise. Callers own shutdown via Close.
func NewUpstreamServer() *UpstreamServer {
	s := &UpstreamServer{
		status: http.StatusOK,
		body:   `{}`,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *UpstreamServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, CapturedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   body,
	})
	status, reply := s.status, s.body
	if s.failures > 0 {
		s.failures--
		status, reply = s.failWith, ErrorJSON("induced failure")
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, reply)
}

// RespondWith sets the canned status and body for subsequent requests.
func (s *UpstreamServer) RespondWith(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.body = body
}

// FailTimes makes the next n requests answer with the given status
// before the canned response applies again.
func (s *UpstreamServer) FailTimes(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failWith = status
}

// Requests returns a copy of every captured request in order.
func (s *UpstreamServer) Requests() []CapturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CapturedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestCount returns how many requests the upstream has received.
func (s *UpstreamServer) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Reset clears captured requests and restores the default response.
func (s *UpstreamServer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
	s.status = http.StatusOK
	s.body = `{}`
	s.failures = 0
}
