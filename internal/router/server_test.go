package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OpenBMB/IoA/internal/directory"
	"github.com/OpenBMB/IoA/internal/store"
	"github.com/OpenBMB/IoA/pkg/protocol"
)

// stubEmbed keys on a few words so capability search is deterministic
// without a live embeddings backend.
func stubEmbed(_ context.Context, text string) ([]float32, error) {
	axes := []string{"weather", "code", "travel"}
	vec := make([]float32, len(axes)+1)
	for i, w := range axes {
		if strings.Contains(strings.ToLower(text), w) {
			vec[i] = 1
		}
	}
	vec[len(axes)] = 0.01
	return vec, nil
}

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(t.TempDir() + "/server.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	index, err := directory.OpenEphemeral("agent_registry", stubEmbed)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	registry, err := NewRegistry(ctx, db, index, 5)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	sessions, err := NewSessionManager(ctx, db, registry)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	archive, err := NewChatArchive(ctx, db)
	if err != nil {
		t.Fatalf("NewChatArchive: %v", err)
	}

	srv := NewServer("", nil, registry, sessions, archive)
	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any, dst any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s: status %d", url, resp.StatusCode)
	}
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
}

func registerAgent(t *testing.T, base, name, desc string) {
	t.Helper()
	postJSON(t, base+"/register", protocol.AgentInfo{
		Name: name, Type: protocol.AgentTypeThing, Desc: desc,
	}, nil)
}

func dialAgent(t *testing.T, base, name string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws/" + name
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", name, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHealthCheck(t *testing.T) {
	ts := startTestServer(t)
	var status string
	postJSON(t, ts.URL+"/health_check", struct{}{}, &status)
	if status != "ok" {
		t.Errorf("health = %q", status)
	}
}

func TestRegisterRetrieveQuery(t *testing.T) {
	ts := startTestServer(t)
	registerAgent(t, ts.URL, "WeatherBot", "weather forecasts")
	registerAgent(t, ts.URL, "Coder", "code generation")

	// Registration is first-write-wins.
	postJSON(t, ts.URL+"/register", protocol.AgentInfo{
		Name: "WeatherBot", Type: protocol.AgentTypeHuman, Desc: "something else",
	}, nil)

	var found []protocol.AgentInfo
	postJSON(t, ts.URL+"/retrieve_assistant", protocol.RetrieveParam{
		Sender:       "Coder",
		Capabilities: []string{"weather lookup"},
	}, &found)
	if len(found) == 0 || found[0].Name != "WeatherBot" {
		t.Fatalf("retrieve = %+v", found)
	}
	if found[0].Desc != "weather forecasts" {
		t.Errorf("re-registration overwrote entry: %+v", found[0])
	}

	// Single-name query returns a single object.
	var single protocol.AgentInfo
	postJSON(t, ts.URL+"/query_assistant", map[string]any{"name": "Coder"}, &single)
	if single.Name != "Coder" {
		t.Errorf("single query = %+v", single)
	}

	// List query preserves order with null for unknown names.
	var many []*protocol.AgentInfo
	postJSON(t, ts.URL+"/query_assistant", map[string]any{
		"name": []string{"Coder", "Nobody"},
	}, &many)
	if len(many) != 2 || many[0] == nil || many[0].Name != "Coder" || many[1] != nil {
		t.Errorf("list query = %+v", many)
	}

	var all map[string]protocol.AgentEntry
	postJSON(t, ts.URL+"/list_all_agents", struct{}{}, &all)
	if len(all) != 2 {
		t.Errorf("list_all_agents = %d entries", len(all))
	}
	if all["WeatherBot"].CreatedAt == "" {
		t.Error("missing created_at")
	}
}

func TestTeamupFiltersUnregistered(t *testing.T) {
	ts := startTestServer(t)
	registerAgent(t, ts.URL, "Alice", "travel planning")
	registerAgent(t, ts.URL, "Bob", "code")

	var result protocol.TeamupResult
	postJSON(t, ts.URL+"/teamup", protocol.TeamupParam{
		Sender:     "Alice",
		AgentNames: []string{"Bob", "Ghost"},
		TeamName:   "trip crew",
	}, &result)

	if result.CommID == "" {
		t.Fatal("empty comm_id")
	}
	if len(result.AgentNames) != 2 {
		t.Fatalf("members = %v, want Bob and Alice only", result.AgentNames)
	}
	for _, m := range result.AgentNames {
		if m == "Ghost" {
			t.Error("unregistered agent kept in session")
		}
	}
	if result.TeamName != "trip crew" {
		t.Errorf("team name = %q", result.TeamName)
	}

	// The teamup opened an empty chat record.
	var records map[string]protocol.ChatRecord
	postJSON(t, ts.URL+"/fetch_chat_record", map[string]any{"comm_id": result.CommID}, &records)
	rec := records[result.CommID]
	if rec.TeamName != "trip crew" || len(rec.ChatRecord) != 0 {
		t.Errorf("record = %+v", rec)
	}
}

func TestRelayFansOutToAllMembers(t *testing.T) {
	ts := startTestServer(t)
	registerAgent(t, ts.URL, "Alice", "travel")
	registerAgent(t, ts.URL, "Bob", "code")

	var result protocol.TeamupResult
	postJSON(t, ts.URL+"/teamup", protocol.TeamupParam{
		Sender: "Alice", AgentNames: []string{"Bob"},
	}, &result)

	alice := dialAgent(t, ts.URL, "Alice")
	bob := dialAgent(t, ts.URL, "Bob")

	msg := protocol.AgentMessage{
		Content:     "[Alice]: let's get started",
		Sender:      "Alice",
		CommID:      result.CommID,
		NextSpeaker: protocol.Speaker("Bob"),
		State:       protocol.StateDiscussion,
		Type:        protocol.TypeDiscussion,
	}
	data, _ := msg.Encode()
	if err := alice.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Both members receive the relayed message, the sender included.
	for _, conn := range []*websocket.Conn{alice, bob} {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		relayed, err := protocol.DecodeAgentMessage(got)
		if err != nil {
			t.Fatalf("decode relayed: %v", err)
		}
		if relayed.Content != msg.Content || relayed.CommID != result.CommID {
			t.Errorf("relayed = %+v", relayed)
		}
	}

	// The relay archived the message.
	var records map[string]protocol.ChatRecord
	postJSON(t, ts.URL+"/fetch_chat_record", map[string]any{"comm_id": result.CommID}, &records)
	if got := records[result.CommID].ChatRecord; len(got) != 1 || got[0].Sender != "Alice" {
		t.Errorf("archived = %+v", got)
	}
}

func TestRelaySkipsUnknownSession(t *testing.T) {
	ts := startTestServer(t)
	registerAgent(t, ts.URL, "Alice", "travel")
	alice := dialAgent(t, ts.URL, "Alice")

	msg := protocol.AgentMessage{Content: "hello", Sender: "Alice", CommID: "no-such-session"}
	data, _ := msg.Encode()
	if err := alice.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("send: %v", err)
	}

	alice.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := alice.ReadMessage(); err == nil {
		t.Error("message for unknown session was relayed")
	}
}

func TestObserverReceivesTaggedFrames(t *testing.T) {
	ts := startTestServer(t)
	registerAgent(t, ts.URL, "Alice", "travel")
	registerAgent(t, ts.URL, "Bob", "code")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chatlist_ws"
	observer, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("observer dial: %v", err)
	}
	defer observer.Close()

	var result protocol.TeamupResult
	postJSON(t, ts.URL+"/teamup", protocol.TeamupParam{
		Sender: "Alice", AgentNames: []string{"Bob"}, TeamName: "watchers",
	}, &result)

	observer.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := observer.ReadMessage()
	if err != nil {
		t.Fatalf("observer read: %v", err)
	}
	var teamupFrame map[string]any
	if err := json.Unmarshal(frame, &teamupFrame); err != nil {
		t.Fatalf("frame decode: %v", err)
	}
	if teamupFrame["frontend_type"] != protocol.FrontendTypeTeamup {
		t.Errorf("frame = %v", teamupFrame)
	}
	if teamupFrame["comm_id"] != result.CommID {
		t.Errorf("frame comm_id = %v", teamupFrame["comm_id"])
	}

	alice := dialAgent(t, ts.URL, "Alice")
	dialAgent(t, ts.URL, "Bob")
	msg := protocol.AgentMessage{
		Content: "[Alice]: hi", Sender: "Alice", CommID: result.CommID,
		NextSpeaker: protocol.Speaker("Bob"),
	}
	data, _ := msg.Encode()
	if err := alice.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("send: %v", err)
	}

	observer.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err = observer.ReadMessage()
	if err != nil {
		t.Fatalf("observer read message frame: %v", err)
	}
	var msgFrame map[string]any
	if err := json.Unmarshal(frame, &msgFrame); err != nil {
		t.Fatalf("frame decode: %v", err)
	}
	if msgFrame["frontend_type"] != protocol.FrontendTypeMessage {
		t.Errorf("frame = %v", msgFrame)
	}
	if msgFrame["sender"] != "Alice" {
		t.Errorf("frame sender = %v", msgFrame["sender"])
	}
}

func TestDuplicateConnectionDisplacesPrevious(t *testing.T) {
	ts := startTestServer(t)
	registerAgent(t, ts.URL, "Alice", "travel")
	registerAgent(t, ts.URL, "Bob", "code")

	var result protocol.TeamupResult
	postJSON(t, ts.URL+"/teamup", protocol.TeamupParam{
		Sender: "Alice", AgentNames: []string{"Bob"},
	}, &result)

	stale := dialAgent(t, ts.URL, "Bob")
	fresh := dialAgent(t, ts.URL, "Bob")
	alice := dialAgent(t, ts.URL, "Alice")

	// The stale socket is closed by the server.
	stale.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := stale.ReadMessage(); err == nil {
		t.Error("stale connection still open")
	}

	msg := protocol.AgentMessage{
		Content: "[Alice]: ping", Sender: "Alice", CommID: result.CommID,
		NextSpeaker: protocol.Speaker("Bob"),
	}
	data, _ := msg.Encode()
	if err := alice.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("send: %v", err)
	}

	fresh.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, got, err := fresh.ReadMessage()
	if err != nil {
		t.Fatalf("fresh Bob socket receive: %v", err)
	}
	relayed, _ := protocol.DecodeAgentMessage(got)
	if relayed.Content != "[Alice]: ping" {
		t.Errorf("relayed = %+v", relayed)
	}
}
