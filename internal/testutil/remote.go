package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// SyncRequest is the decoded body of one POST to the fake remote.
type SyncRequest struct {
	Path         string            `json:"-"`
	DeviceID     string            `json:"deviceId"`
	DeviceSecret string            `json:"deviceSecret"`
	Mutations    []json.RawMessage `json:"mutations"`
}

// MutationIDs returns the mutation_id of every mutation in the request.
func (r SyncRequest) MutationIDs() []string {
	ids := make([]string, 0, len(r.Mutations))
	for _, raw := range r.Mutations {
		var m struct {
			MutationID string `json:"mutation_id"`
		}
		if err := json.Unmarshal(raw, &m); err == nil {
			ids = append(ids, m.MutationID)
		}
	}
	return ids
}

// RemoteResponse is what the fake remote replies with for one request.
// A nil Body with a 2xx status acks every mutation as APPLIED.
type RemoteResponse struct {
	Status int
	Body   any
}

// FakeRemote is an httptest server speaking the kiosk sync contract.
//
// Responses are consumed from a queue; once the queue is empty every request
// is acked as APPLIED.
type FakeRemote struct {
	Server *httptest.Server

	mu        sync.Mutex
	requests  []SyncRequest
	responses []RemoteResponse
	handler   func(SyncRequest) RemoteResponse
}

// NewFakeRemote starts a fake remote and closes it when the test ends.
func NewFakeRemote(t *testing.T) *FakeRemote {
	t.Helper()
	f := &FakeRemote{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base URL of the server.
func (f *FakeRemote) URL() string {
	return f.Server.URL
}

// Enqueue queues responses for the next requests, in order.
func (f *FakeRemote) Enqueue(responses ...RemoteResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, responses...)
}

// HandleWith replaces the default all-APPLIED behaviour once the queue is empty.
func (f *FakeRemote) HandleWith(h func(SyncRequest) RemoteResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// Requests returns a copy of every request received so far.
func (f *FakeRemote) Requests() []SyncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SyncRequest(nil), f.requests...)
}

// RequestCount returns the number of requests received.
func (f *FakeRemote) RequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// AckAll builds a 200 response acking every mutation of req with status.
func AckAll(req SyncRequest, status string) RemoteResponse {
	acks := make([]map[string]any, 0, len(req.Mutations))
	for _, id := range req.MutationIDs() {
		acks = append(acks, map[string]any{"mutation_id": id, "status": status})
	}
	return RemoteResponse{
		Status: http.StatusOK,
		Body:   map[string]any{"ok": true, "server_time": "2026-01-01T00:00:00Z", "acks": acks, "conflicts": []any{}},
	}
}

func (f *FakeRemote) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req SyncRequest
	_ = json.Unmarshal(body, &req)
	req.Path = r.URL.Path

	f.mu.Lock()
	f.requests = append(f.requests, req)
	var (
		resp    RemoteResponse
		queued  bool
		handler = f.handler
	)
	if len(f.responses) > 0 {
		resp, queued = f.responses[0], true
		f.responses = f.responses[1:]
	}
	f.mu.Unlock()

	// Handlers run unlocked so they may block or inspect the fake.
	switch {
	case queued:
	case handler != nil:
		resp = handler(req)
	default:
		resp = AckAll(req, "APPLIED")
	}

	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	if resp.Body == nil && resp.Status >= 200 && resp.Status < 300 {
		resp = AckAll(req, "APPLIED")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	switch b := resp.Body.(type) {
	case nil:
	case string:
		_, _ = io.WriteString(w, b)
	default:
		_ = json.NewEncoder(w).Encode(b)
	}
}
