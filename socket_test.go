package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const readTimeout = 2 * time.Second

type serverEnv struct {
	srv      *httptest.Server
	registry *PartyRegistry
	sockets  *SocketServer
	api      *API
}

// startTestServer stands up the full route surface on an httptest server.
// A nil cfg uses the test defaults.
func startTestServer(t *testing.T, cfg *Config) *serverEnv {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}

	registry := newPartyRegistry(cfg.partyTTL)
	sockets := newSocketServer(cfg, registry)
	api := newAPI(cfg, registry, sockets)

	mux := httprouter.New()
	errs := make(chan error, 64)
	registerRoutes(cfg, mux, api, sockets, errs)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &serverEnv{
		srv:      srv,
		registry: registry,
		sockets:  sockets,
		api:      api,
	}
}

func wsDial(t *testing.T, env *serverEnv) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}

// serverMessage is the union of every outbound payload, for decoding in
// tests.
type serverMessage struct {
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	Party      *PartySnapshot `json:"party"`
	Role       string         `json:"role"`
	Word       *string        `json:"word"`
	Definition *string        `json:"definition"`
	Members    []Member       `json:"members"`
	Reveal     *Reveal        `json:"reveal"`
	Reason     string         `json:"reason"`
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()

	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	return msg
}

// readUntil skips interleaved broadcasts (snapshot refreshes mostly) until
// a message of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) serverMessage {
	t.Helper()

	for i := 0; i < 10; i++ {
		msg := readMessage(t, conn)
		if msg.Type == wantType {
			return msg
		}
	}

	t.Fatalf("no %s message within 10 reads", wantType)
	return serverMessage{}
}

// wsJoin performs the JOIN handshake and returns the initial snapshot.
func wsJoin(t *testing.T, conn *websocket.Conn, code, playerID string) serverMessage {
	t.Helper()

	sendMessage(t, conn, ClientMessage{Type: "JOIN", Code: code, PlayerID: playerID})

	msg := readMessage(t, conn)
	if msg.Type != "PARTY_STATE" {
		t.Fatalf("expected PARTY_STATE after JOIN, got %s (%q)", msg.Type, msg.Message)
	}

	return msg
}

func TestPingPongBeforeJoin(t *testing.T) {
	env := startTestServer(t, nil)
	conn := wsDial(t, env)

	sendMessage(t, conn, ClientMessage{Type: "PING"})
	if msg := readMessage(t, conn); msg.Type != "PONG" {
		t.Fatalf("expected PONG, got %s", msg.Type)
	}
}

func TestCommandsRequireBinding(t *testing.T) {
	env := startTestServer(t, nil)
	conn := wsDial(t, env)

	sendMessage(t, conn, ClientMessage{Type: "START_GAME"})
	msg := readMessage(t, conn)
	if msg.Type != "ERROR" || msg.Message != "Not in a party" {
		t.Fatalf("expected not-in-a-party error, got %s (%q)", msg.Type, msg.Message)
	}
}

func TestJoinUnknownParty(t *testing.T) {
	env := startTestServer(t, nil)
	conn := wsDial(t, env)

	sendMessage(t, conn, ClientMessage{Type: "JOIN", Code: "ZZZZZZ", PlayerID: "someone"})
	msg := readMessage(t, conn)
	if msg.Type != "ERROR" || msg.Message != "Party not found" {
		t.Fatalf("expected party-not-found error, got %s (%q)", msg.Type, msg.Message)
	}
}

func TestUnknownCommand(t *testing.T) {
	env := startTestServer(t, nil)
	conn := wsDial(t, env)

	sendMessage(t, conn, ClientMessage{Type: "DANCE"})
	msg := readMessage(t, conn)
	if msg.Type != "ERROR" || !strings.Contains(msg.Message, "Unknown event type") {
		t.Fatalf("expected unknown-command error, got %s (%q)", msg.Type, msg.Message)
	}
}

func TestJoinHandshakeAndRosterBroadcast(t *testing.T) {
	env := startTestServer(t, nil)
	party, leader, rest := newTestParty(t, env.registry, "Alice", "Bob")
	bob := rest[0]

	leaderConn := wsDial(t, env)
	snap := wsJoin(t, leaderConn, party.code, leader.ID)
	if len(snap.Party.Members) != 2 {
		t.Fatalf("expected 2 members in initial snapshot, got %d", len(snap.Party.Members))
	}

	bobConn := wsDial(t, env)
	wsJoin(t, bobConn, party.code, bob.ID)

	// Bob's bind is broadcast to the other bound connections.
	update := readUntil(t, leaderConn, "PARTY_STATE")
	if len(update.Party.Members) != 2 {
		t.Fatalf("expected 2 members in broadcast snapshot, got %d", len(update.Party.Members))
	}
}

func TestReconnectIsIdempotent(t *testing.T) {
	env := startTestServer(t, nil)
	party, leader, _ := newTestParty(t, env.registry, "Alice", "Bob")

	first := wsDial(t, env)
	wsJoin(t, first, party.code, leader.ID)
	_ = first.Close()

	second := wsDial(t, env)
	snap := wsJoin(t, second, party.code, leader.ID)
	if len(snap.Party.Members) != 2 {
		t.Fatalf("rebinding a known player must not change membership, got %d members", len(snap.Party.Members))
	}
}

func TestSocketRegisterAddsMember(t *testing.T) {
	env := startTestServer(t, nil)
	party, _, _ := newTestParty(t, env.registry, "Alice")

	conn := wsDial(t, env)
	sendMessage(t, conn, ClientMessage{Type: "JOIN", Code: party.code, PlayerID: "carol-id", PlayerName: "Carol"})

	snap := readUntil(t, conn, "PARTY_STATE")
	if len(snap.Party.Members) != 2 {
		t.Fatalf("expected auto-registered member, got %d members", len(snap.Party.Members))
	}
}

func TestSocketRegisterDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.socketRegister = false
	env := startTestServer(t, cfg)
	party, _, _ := newTestParty(t, env.registry, "Alice")

	conn := wsDial(t, env)
	sendMessage(t, conn, ClientMessage{Type: "JOIN", Code: party.code, PlayerID: "carol-id", PlayerName: "Carol"})

	snap := readUntil(t, conn, "PARTY_STATE")
	if len(snap.Party.Members) != 1 {
		t.Fatalf("auto-register should be off, got %d members", len(snap.Party.Members))
	}
}

func TestLeaderGating(t *testing.T) {
	env := startTestServer(t, nil)
	party, _, rest := newTestParty(t, env.registry, "Alice", "Bob")
	bob := rest[0]

	bobConn := wsDial(t, env)
	wsJoin(t, bobConn, party.code, bob.ID)

	gated := map[string]string{
		"START_GAME": "Only the leader can start the game",
		"END_ROUND":  "Only the leader can end rounds",
		"END_GAME":   "Only the leader can end the game",
		"KICK":       "Only the leader can kick players",
		"RENAME":     "Only the leader can rename players",
	}

	for kind, want := range gated {
		sendMessage(t, bobConn, ClientMessage{Type: kind, TargetID: bob.ID, NewName: "X"})
		msg := readMessage(t, bobConn)
		if msg.Type != "ERROR" || msg.Message != want {
			t.Fatalf("%s: expected %q, got %s (%q)", kind, want, msg.Type, msg.Message)
		}
	}

	party.mu.Lock()
	defer party.mu.Unlock()
	if party.round != nil || len(party.members) != 2 {
		t.Fatal("rejected commands must leave party state untouched")
	}
}

func TestStartGameDealsRoles(t *testing.T) {
	env := startTestServer(t, nil)
	party, leader, rest := newTestParty(t, env.registry, "Alice", "Bob")
	bob := rest[0]

	leaderConn := wsDial(t, env)
	wsJoin(t, leaderConn, party.code, leader.ID)
	bobConn := wsDial(t, env)
	wsJoin(t, bobConn, party.code, bob.ID)

	sendMessage(t, leaderConn, ClientMessage{Type: "START_GAME"})

	leaderMsg := readUntil(t, leaderConn, "GAME_STARTED")
	bobMsg := readUntil(t, bobConn, "GAME_STARTED")

	payloads := map[string]serverMessage{leader.ID: leaderMsg, bob.ID: bobMsg}

	impostors := 0
	var word, definition string
	for id, msg := range payloads {
		if len(msg.Members) != 2 {
			t.Fatalf("expected member list in payload for %s", id)
		}
		switch msg.Role {
		case RoleImpostor:
			impostors++
			if msg.Word != nil || msg.Definition != nil {
				t.Fatalf("impostor %s received the secret", id)
			}
		case RolePlayer:
			if msg.Word == nil || msg.Definition == nil {
				t.Fatalf("player %s is missing the secret", id)
			}
			word, definition = *msg.Word, *msg.Definition
		default:
			t.Fatalf("unexpected role %q for %s", msg.Role, id)
		}
	}
	if impostors != 1 {
		t.Fatalf("expected exactly one impostor, got %d", impostors)
	}

	party.mu.Lock()
	defer party.mu.Unlock()
	if party.round == nil || party.round.Word != word || party.round.Definition != definition {
		t.Fatalf("delivered secret %q/%q does not match the active round", word, definition)
	}
}

func TestEndGameBroadcastsReveal(t *testing.T) {
	env := startTestServer(t, nil)
	party, leader, rest := newTestParty(t, env.registry, "Alice", "Bob")
	bob := rest[0]

	leaderConn := wsDial(t, env)
	wsJoin(t, leaderConn, party.code, leader.ID)
	bobConn := wsDial(t, env)
	wsJoin(t, bobConn, party.code, bob.ID)

	sendMessage(t, leaderConn, ClientMessage{Type: "START_GAME"})
	readUntil(t, leaderConn, "GAME_STARTED")
	readUntil(t, bobConn, "GAME_STARTED")

	party.mu.Lock()
	impostorID := party.round.ImpostorID
	word := party.round.Word
	party.mu.Unlock()

	sendMessage(t, leaderConn, ClientMessage{Type: "END_GAME"})

	// The reveal reaches everyone, the impostor included.
	for _, conn := range []*websocket.Conn{leaderConn, bobConn} {
		msg := readUntil(t, conn, "GAME_ENDED")
		if msg.Reveal == nil {
			t.Fatal("expected a reveal")
		}
		if msg.Reveal.ImpostorID != impostorID || msg.Reveal.Word != word {
			t.Fatalf("reveal %+v does not match round %q/%q", msg.Reveal, impostorID, word)
		}
	}

	party.mu.Lock()
	defer party.mu.Unlock()
	if party.round != nil {
		t.Fatal("round should be cleared after END_GAME")
	}
}

func TestKickFlow(t *testing.T) {
	env := startTestServer(t, nil)
	party, leader, rest := newTestParty(t, env.registry, "Alice", "Bob")
	bob := rest[0]

	leaderConn := wsDial(t, env)
	wsJoin(t, leaderConn, party.code, leader.ID)
	bobConn := wsDial(t, env)
	wsJoin(t, bobConn, party.code, bob.ID)
	readUntil(t, leaderConn, "PARTY_STATE")

	sendMessage(t, leaderConn, ClientMessage{Type: "KICK", TargetID: leader.ID})
	if msg := readMessage(t, leaderConn); msg.Type != "ERROR" || msg.Message != "Cannot kick this player" {
		t.Fatalf("kicking the leader should fail, got %s (%q)", msg.Type, msg.Message)
	}

	sendMessage(t, leaderConn, ClientMessage{Type: "KICK", TargetID: bob.ID})

	if msg := readUntil(t, bobConn, "KICKED"); msg.Reason == "" {
		t.Fatal("expected a kick reason")
	}

	snap := readUntil(t, leaderConn, "PARTY_STATE")
	if len(snap.Party.Members) != 1 {
		t.Fatalf("expected 1 member after kick, got %d", len(snap.Party.Members))
	}
}

func TestRenameFlow(t *testing.T) {
	env := startTestServer(t, nil)
	party, leader, rest := newTestParty(t, env.registry, "Alice", "Bob")
	bob := rest[0]

	leaderConn := wsDial(t, env)
	wsJoin(t, leaderConn, party.code, leader.ID)

	sendMessage(t, leaderConn, ClientMessage{Type: "RENAME", TargetID: bob.ID, NewName: "alice"})
	if msg := readMessage(t, leaderConn); msg.Type != "ERROR" || msg.Message != "Name already taken" {
		t.Fatalf("colliding rename should fail, got %s (%q)", msg.Type, msg.Message)
	}

	sendMessage(t, leaderConn, ClientMessage{Type: "RENAME", TargetID: bob.ID, NewName: "Robert"})
	snap := readUntil(t, leaderConn, "PARTY_STATE")

	found := false
	for _, m := range snap.Party.Members {
		if m.ID == bob.ID && m.Name == "Robert" {
			found = true
		}
	}
	if !found {
		t.Fatalf("rename not reflected in snapshot: %+v", snap.Party.Members)
	}
}

func TestDisbandNotifiesConnections(t *testing.T) {
	env := startTestServer(t, nil)
	party, leader, _ := newTestParty(t, env.registry, "Alice", "Bob")

	leaderConn := wsDial(t, env)
	wsJoin(t, leaderConn, party.code, leader.ID)

	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/api/party/"+party.code, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	req.Header.Set("X-Player-Id", leader.ID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("disband request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if msg := readUntil(t, leaderConn, "PARTY_DISBANDED"); msg.Message == "" {
		t.Fatal("expected a disband message")
	}
}
