package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"Spindle/internal/api"
	"Spindle/internal/nodeid"
	"Spindle/internal/resource"
)

// fakeNode serves the node API from in-memory state.
type fakeNode struct {
	published map[uuid.UUID][]byte
	deferred  map[uuid.UUID][]string
	self      uuid.UUID
}

func (f *fakeNode) Status() api.Status {
	return api.Status{ID: f.self.String(), Resources: len(f.published)}
}

func (f *fakeNode) Locate(_ context.Context, id uuid.UUID) (resource.Location, bool, error) {
	meta, ok := f.published[id]
	return resource.Location{Node: f.self, Metadata: meta}, ok, nil
}

func (f *fakeNode) Publish(id uuid.UUID, metadata []byte) { f.published[id] = metadata }

func (f *fakeNode) Unpublish(id uuid.UUID) bool {
	_, ok := f.published[id]
	delete(f.published, id)
	return ok
}

func (f *fakeNode) Defer(recipient uuid.UUID, body []byte) (uuid.UUID, error) {
	f.deferred[recipient] = append(f.deferred[recipient], string(body))
	return uuid.New(), nil
}

// startFake serves a fake node and returns a client for it.
func startFake(t *testing.T) (*fakeNode, *Client) {
	t.Helper()

	f := &fakeNode{
		published: make(map[uuid.UUID][]byte),
		deferred:  make(map[uuid.UUID][]string),
		self:      uuid.New(),
	}

	srv := httptest.NewServer(api.New("", f, f, f, nil).Handler())
	t.Cleanup(srv.Close)

	c, err := NewClient(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	return f, c
}

// TestStatus verifies that the status is decoded.
func TestStatus(t *testing.T) {
	f, c := startFake(t)

	status, err := c.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	if status.ID != f.self.String() {
		t.Errorf("status id: got %s, want %s", status.ID, f.self)
	}
}

// TestPublishLocate verifies a publish, lookup and withdrawal round trip.
func TestPublishLocate(t *testing.T) {
	f, c := startFake(t)

	if _, found, err := c.Locate("printer"); err != nil || found {
		t.Fatalf("locate before publish: found=%v err=%v", found, err)
	}

	if err := c.Publish("printer", []byte("room 4")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	loc, found, err := c.Locate("printer")
	if err != nil || !found {
		t.Fatalf("locate: found=%v err=%v", found, err)
	}

	if loc.Node != f.self || loc.Resource != nodeid.FromName("printer") || string(loc.Metadata) != "room 4" {
		t.Errorf("unexpected location %+v", loc)
	}

	if err := c.Unpublish("printer"); err != nil {
		t.Fatalf("unpublish: %v", err)
	}

	var status *StatusError
	if err := c.Unpublish("printer"); !errors.As(err, &status) || status.Code != http.StatusNotFound {
		t.Errorf("second unpublish: got %v, want status 404", err)
	}
}

// TestDefer verifies that a deferred message reaches the node.
func TestDefer(t *testing.T) {
	f, c := startFake(t)

	recipient := uuid.New()

	id, err := c.Defer(recipient.String(), []byte("hello"))
	if err != nil {
		t.Fatalf("defer: %v", err)
	}

	if id == uuid.Nil {
		t.Error("nil message id")
	}

	if got := f.deferred[recipient]; len(got) != 1 || got[0] != "hello" {
		t.Errorf("deferred bodies: got %v", got)
	}

	var status *StatusError
	if _, err := c.Defer(recipient.String(), nil); !errors.As(err, &status) || status.Code != http.StatusBadRequest {
		t.Errorf("empty body: got %v, want status 400", err)
	}
}

// TestNewClientUnhealthy verifies that an unhealthy node is rejected.
func TestNewClientUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
	}))
	defer srv.Close()

	if _, err := NewClient(strings.TrimPrefix(srv.URL, "http://")); err == nil {
		t.Error("expected an unhealthy node to be rejected")
	}
}
