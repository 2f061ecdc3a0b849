// Imposter party protocol
//
// Clients bootstrap over the REST API, then open a websocket and send JOIN
// with their party code and player id. Once bound, the leader drives the
// game: START_GAME deals a secret word to everyone except one randomly
// chosen impostor, END_ROUND redeals, END_GAME reveals the secret and the
// impostor to the whole party.
//
// Features:
// - One websocket endpoint for all parties; JOIN binds a connection to a
//   (playerId, partyCode) identity
// - Personalized round payloads: the impostor never receives the word
// - Leader-gated commands: START_GAME, END_ROUND, END_GAME, KICK, RENAME
// - Kick sends a targeted KICKED notice, then unbinds the target
// - Disconnects unbind only; membership survives until an explicit kick
// - Slow consumers are dropped rather than queued
// - PING/PONG liveness probe, usable before JOIN

package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// ClientMessage is the inbound command envelope; one struct covers every
// kind, with kind-specific fields left empty elsewhere.
type ClientMessage struct {
	Type       string `json:"type"`
	Code       string `json:"code,omitempty"`       // JOIN
	PlayerID   string `json:"playerId,omitempty"`   // JOIN
	PlayerName string `json:"playerName,omitempty"` // JOIN
	TargetID   string `json:"targetId,omitempty"`   // KICK / RENAME
	NewName    string `json:"newName,omitempty"`    // RENAME
}

// PartyStateMessage carries the redacted snapshot.
type PartyStateMessage struct {
	Type  string        `json:"type"` // "PARTY_STATE"
	Party PartySnapshot `json:"party"`
}

// GameStartedMessage is personalized per member; word and definition are
// null for the impostor.
type GameStartedMessage struct {
	Type       string   `json:"type"` // "GAME_STARTED"
	Role       string   `json:"role"`
	Word       *string  `json:"word"`
	Definition *string  `json:"definition"`
	Members    []Member `json:"members"`
}

type GameEndedMessage struct {
	Type   string  `json:"type"` // "GAME_ENDED"
	Reveal *Reveal `json:"reveal"`
}

type KickedMessage struct {
	Type   string `json:"type"` // "KICKED"
	Reason string `json:"reason"`
}

type DisbandedMessage struct {
	Type    string `json:"type"` // "PARTY_DISBANDED"
	Message string `json:"message"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "ERROR"
	Message string `json:"message"`
}

type PongMessage struct {
	Type string `json:"type"` // "PONG"
}

type Client struct {
	conn *websocket.Conn
	send chan any
}

// binding ties a connection to an identity once its JOIN succeeds. The
// zero value means unbound.
type binding struct {
	playerID  string
	partyCode string
}

// ConnTable is the connection registry: every open socket has an entry,
// bound or not. Bindings are ephemeral; closing a socket never touches
// party membership.
type ConnTable struct {
	mu      sync.Mutex
	clients map[*Client]binding
}

func newConnTable() *ConnTable {
	return &ConnTable{
		clients: make(map[*Client]binding),
	}
}

func (ct *ConnTable) add(c *Client) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.clients[c] = binding{}
}

// remove drops the connection entirely, closing its send channel if it is
// still tracked. Returns the binding it held.
func (ct *ConnTable) remove(c *Client) (binding, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	b, ok := ct.clients[c]
	if ok {
		delete(ct.clients, c)
		close(c.send)
	}

	return b, ok
}

func (ct *ConnTable) bind(c *Client, code, playerID string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if _, ok := ct.clients[c]; ok {
		ct.clients[c] = binding{playerID: playerID, partyCode: code}
	}
}

func (ct *ConnTable) lookup(c *Client) (binding, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	b, ok := ct.clients[c]

	return b, ok
}

// unbindPlayer clears the binding of every connection held by playerID in
// the given party, without closing the connections. Used after a kick.
func (ct *ConnTable) unbindPlayer(code, playerID string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	for c, b := range ct.clients {
		if b.partyCode == code && b.playerID == playerID {
			ct.clients[c] = binding{}
		}
	}
}

// pushLocked sends without blocking. A full buffer means the consumer is
// too slow or gone; the connection is dropped, never queued for. Assumes
// ct.mu is held.
func (ct *ConnTable) pushLocked(c *Client, msg any) {
	if _, ok := ct.clients[c]; !ok {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(ct.clients, c)
		close(c.send)
	}
}

// sendTo delivers to one connection only.
func (ct *ConnTable) sendTo(c *Client, msg any) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.pushLocked(c, msg)
}

// broadcastParty fans msg out to every connection bound to code,
// optionally skipping one player id.
func (ct *ConnTable) broadcastParty(code string, msg any, excludeID string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	for c, b := range ct.clients {
		if b.partyCode != code {
			continue
		}
		if excludeID != "" && b.playerID == excludeID {
			continue
		}
		ct.pushLocked(c, msg)
	}
}

// sendToPlayer delivers to every connection currently bound to this member.
// Unbound members simply miss the message; there is no queuing.
func (ct *ConnTable) sendToPlayer(code, playerID string, msg any) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	for c, b := range ct.clients {
		if b.partyCode == code && b.playerID == playerID {
			ct.pushLocked(c, msg)
		}
	}
}

// SocketServer couples the connection table to the party registry and
// dispatches inbound commands.
type SocketServer struct {
	cfg      *Config
	registry *PartyRegistry
	conns    *ConnTable
}

func newSocketServer(cfg *Config, registry *PartyRegistry) *SocketServer {
	s := &SocketServer{
		cfg:      cfg,
		registry: registry,
		conns:    newConnTable(),
	}
	registry.onDisband = s.notifyDisband

	return s
}

func (s *SocketServer) notifyDisband(code, message string) {
	s.conns.broadcastParty(code, DisbandedMessage{Type: "PARTY_DISBANDED", Message: message}, "")
}

// pushPartyState broadcasts the current redacted snapshot to every bound
// connection of the party.
func (s *SocketServer) pushPartyState(p *Party) {
	p.mu.Lock()
	code := p.code
	snap := p.snapshotLocked()
	p.mu.Unlock()

	s.conns.broadcastParty(code, PartyStateMessage{Type: "PARTY_STATE", Party: snap}, "")
}

func (s *SocketServer) sendError(c *Client, message string) {
	s.conns.sendTo(c, ErrorMessage{Type: "ERROR", Message: message})
}

// cmdContext carries the resolved identity for bound commands.
type cmdContext struct {
	msg      ClientMessage
	party    *Party // nil for bindFree commands
	playerID string // empty for bindFree commands
}

// command declares the authorization shape of one inbound kind up front:
// bindFree kinds run before JOIN, leaderOnly kinds are refused with
// deniedMsg unless the bound player is the party leader.
type command struct {
	bindFree   bool
	leaderOnly bool
	deniedMsg  string
	run        func(*SocketServer, *Client, cmdContext)
}

var commands = map[string]command{
	"PING": {bindFree: true, run: (*SocketServer).handlePing},
	"JOIN": {bindFree: true, run: (*SocketServer).handleJoin},
	"START_GAME": {
		leaderOnly: true,
		deniedMsg:  "Only the leader can start the game",
		run:        (*SocketServer).handleStartRound,
	},
	"END_ROUND": {
		leaderOnly: true,
		deniedMsg:  "Only the leader can end rounds",
		run:        (*SocketServer).handleStartRound,
	},
	"END_GAME": {
		leaderOnly: true,
		deniedMsg:  "Only the leader can end the game",
		run:        (*SocketServer).handleEndGame,
	},
	"KICK": {
		leaderOnly: true,
		deniedMsg:  "Only the leader can kick players",
		run:        (*SocketServer).handleKick,
	},
	"RENAME": {
		leaderOnly: true,
		deniedMsg:  "Only the leader can rename players",
		run:        (*SocketServer).handleRename,
	},
}

func (s *SocketServer) dispatch(c *Client, msg ClientMessage) {
	cmd, ok := commands[msg.Type]
	if !ok {
		s.sendError(c, "Unknown event type: "+msg.Type)
		return
	}

	ctx := cmdContext{msg: msg}

	if !cmd.bindFree {
		b, bound := s.conns.lookup(c)
		var party *Party
		if bound && b.partyCode != "" {
			party, _ = s.registry.Get(b.partyCode)
		}
		if party == nil {
			s.sendError(c, "Not in a party")
			return
		}
		ctx.party = party
		ctx.playerID = b.playerID
	}

	if cmd.leaderOnly {
		ctx.party.mu.Lock()
		leaderID := ctx.party.leaderID
		ctx.party.mu.Unlock()

		if ctx.playerID != leaderID {
			s.sendError(c, cmd.deniedMsg)
			return
		}
	}

	cmd.run(s, c, ctx)
}

func (s *SocketServer) handlePing(c *Client, _ cmdContext) {
	s.conns.sendTo(c, PongMessage{Type: "PONG"})
}

// handleJoin binds this connection to a (playerId, partyCode) identity.
// Rebinding a known player id after a network drop is the normal reconnect
// path and leaves membership alone. An unknown player id carrying a name is
// registered as a fresh member when --socket-register allows it.
func (s *SocketServer) handleJoin(c *Client, ctx cmdContext) {
	msg := ctx.msg

	code := strings.ToUpper(strings.TrimSpace(msg.Code))
	party, err := s.registry.Get(code)
	if err != nil {
		s.sendError(c, "Party not found")
		return
	}
	if msg.PlayerID == "" {
		s.sendError(c, "playerId is required")
		return
	}

	party.mu.Lock()
	if _, known := party.members[msg.PlayerID]; !known {
		name := strings.TrimSpace(msg.PlayerName)
		if name != "" && s.cfg.socketRegister {
			if party.nameTakenLocked(name, "") {
				party.mu.Unlock()
				s.sendError(c, "That username is already taken in this party")
				return
			}
			party.addMemberLocked(msg.PlayerID, name)
			logf(s.cfg, "PARTY: Player %q registered via socket in %s", name, code)
		}
	}
	snap := party.snapshotLocked()
	party.mu.Unlock()

	s.conns.bind(c, code, msg.PlayerID)

	s.conns.sendTo(c, PartyStateMessage{Type: "PARTY_STATE", Party: snap})
	s.conns.broadcastParty(code, PartyStateMessage{Type: "PARTY_STATE", Party: snap}, msg.PlayerID)
}

// handleStartRound serves both START_GAME and END_ROUND: either way a fresh
// impostor/word pair is drawn and dealt.
func (s *SocketServer) handleStartRound(c *Client, ctx cmdContext) {
	p := ctx.party

	p.mu.Lock()
	code := p.code
	assignments, err := p.startRoundLocked(ctx.playerID)
	var members []Member
	if err == nil {
		members = p.memberListLocked()
	}
	p.mu.Unlock()

	if err != nil {
		s.sendError(c, err.Error())
		return
	}

	for _, a := range assignments {
		s.conns.sendToPlayer(code, a.MemberID, GameStartedMessage{
			Type:       "GAME_STARTED",
			Role:       a.Role,
			Word:       a.Word,
			Definition: a.Definition,
			Members:    members,
		})
	}

	logf(s.cfg, "GAMES: Round started in %s with %d players", code, len(members))
}

func (s *SocketServer) handleEndGame(c *Client, ctx cmdContext) {
	p := ctx.party

	p.mu.Lock()
	code := p.code
	reveal, err := p.endGameLocked(ctx.playerID)
	p.mu.Unlock()

	if err != nil {
		s.sendError(c, err.Error())
		return
	}

	s.conns.broadcastParty(code, GameEndedMessage{Type: "GAME_ENDED", Reveal: reveal}, "")

	logf(s.cfg, "GAMES: Game ended in %s", code)
}

func (s *SocketServer) handleKick(c *Client, ctx cmdContext) {
	p := ctx.party

	p.mu.Lock()
	code := p.code
	err := p.kickLocked(ctx.playerID, ctx.msg.TargetID)
	p.mu.Unlock()

	if err != nil {
		s.sendError(c, err.Error())
		return
	}

	s.conns.sendToPlayer(code, ctx.msg.TargetID, KickedMessage{
		Type:   "KICKED",
		Reason: "You were removed by the leader",
	})
	s.conns.unbindPlayer(code, ctx.msg.TargetID)

	s.pushPartyState(p)
}

func (s *SocketServer) handleRename(c *Client, ctx cmdContext) {
	p := ctx.party

	p.mu.Lock()
	err := p.renameLocked(ctx.playerID, ctx.msg.TargetID, ctx.msg.NewName)
	p.mu.Unlock()

	if err != nil {
		s.sendError(c, err.Error())
		return
	}

	s.pushPartyState(p)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *SocketServer) serveWS() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(s.cfg, "SOCKET: Upgrade error from %s: %v", realIP(r), err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
		}
		s.conns.add(client)

		go client.writePump()
		s.readPump(client)
	}
}

func (s *SocketServer) readPump(c *Client) {
	defer s.closeClient(c)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError(c, "Invalid JSON")
			continue
		}

		s.dispatch(c, msg)
	}
}

// closeClient tears down the transport side only. Membership is
// intentionally untouched: an offline member still counts toward rounds
// and snapshots until kicked.
func (s *SocketServer) closeClient(c *Client) {
	b, ok := s.conns.remove(c)
	_ = c.conn.Close()

	if !ok || b.partyCode == "" {
		return
	}

	if party, err := s.registry.Get(b.partyCode); err == nil {
		s.pushPartyState(party)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
