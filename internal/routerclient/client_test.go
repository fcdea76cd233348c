package routerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OpenBMB/IoA/pkg/protocol"
)

func TestPostRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode("ok")
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPostStopsOnBadRequest(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "malformed", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if err := c.Register(context.Background(), protocol.AgentInfo{Name: "A"}); err == nil {
		t.Fatal("want error on 400")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 400)", calls)
	}
}

func TestTeamupRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/teamup" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var param protocol.TeamupParam
		json.NewDecoder(r.Body).Decode(&param)
		json.NewEncoder(w).Encode(protocol.TeamupResult{
			CommID:     "abc123",
			AgentNames: append(param.AgentNames, param.Sender),
			TeamName:   param.TeamName,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	result, err := c.Teamup(context.Background(), "Alice", []string{"Bob"}, "crew")
	if err != nil {
		t.Fatalf("Teamup: %v", err)
	}
	if result.CommID != "abc123" || len(result.AgentNames) != 2 || result.TeamName != "crew" {
		t.Errorf("result = %+v", result)
	}
}

func TestQueryPreservesArity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var param protocol.QueryParam
		json.NewDecoder(r.Body).Decode(&param)
		if param.Name.IsList() {
			json.NewEncoder(w).Encode([]*protocol.AgentInfo{
				{Name: "Bob", Type: protocol.AgentTypeThing, Desc: "code"},
				nil,
			})
			return
		}
		json.NewEncoder(w).Encode(protocol.AgentInfo{Name: "Bob", Type: protocol.AgentTypeThing, Desc: "code"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	one, err := c.QueryOne(context.Background(), "Bob")
	if err != nil || one == nil || one.Name != "Bob" {
		t.Fatalf("QueryOne = %+v, %v", one, err)
	}
	many, err := c.Query(context.Background(), []string{"Bob", "Ghost"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(many) != 2 || many[0] == nil || many[1] != nil {
		t.Errorf("Query = %+v", many)
	}
}

// echoRelay accepts agent sockets and loops every frame back to the
// sender, standing in for the router's fan-out.
func echoRelay(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSocketSendReceive(t *testing.T) {
	srv := echoRelay(t)

	sock, err := DialSocket(srv.URL, "Alice Agent", nil)
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	defer sock.Close()

	sent := &protocol.AgentMessage{
		Content:     "[Alice Agent]: hello",
		Sender:      "Alice Agent",
		CommID:      "c1",
		NextSpeaker: protocol.Speaker("Bob"),
		Type:        protocol.TypeDiscussion,
		State:       protocol.StateDiscussion,
	}
	if err := sock.Send(sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := sock.Receive()
		if err != nil {
			t.Errorf("Receive: %v", err)
			return
		}
		if got.Content != sent.Content || got.CommID != "c1" {
			t.Errorf("got = %+v", got)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("receive timed out")
	}
}
