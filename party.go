package main

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	codeLength = 6

	// Join codes avoid visually confusable characters (0/1/O/I).
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// VocabWord is one word/definition pair from the leader's imported list.
type VocabWord struct {
	Word       string `json:"word"`
	Definition string `json:"definition"`
}

// Member is a participant in a party. Membership is independent of
// connection state: a disconnected member stays in the roster until the
// leader kicks them.
type Member struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	IsLeader bool      `json:"isLeader"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Round holds the secret for the currently active round. Only its active
// flag and start time ever appear in a snapshot.
type Round struct {
	Active     bool
	ImpostorID string
	Word       string
	Definition string
	StartedAt  time.Time
}

// Party is one live game session. Every mutation happens with mu held, so
// concurrent commands against the same code cannot interleave.
type Party struct {
	mu sync.Mutex

	code      string
	name      string
	leaderID  string
	members   map[string]*Member
	order     []string // member ids in join order
	words     []VocabWord
	round     *Round
	createdAt time.Time
	expiresAt time.Time

	expiry *time.Timer
}

// RoundSnapshot is the redacted view of an active round.
type RoundSnapshot struct {
	Active    bool      `json:"active"`
	StartedAt time.Time `json:"startedAt"`
}

// PartySnapshot is the party state broadcast to every participant. Secret
// fields (word, definition, impostor id) are structurally absent.
type PartySnapshot struct {
	Code      string         `json:"code"`
	PartyName string         `json:"partyName"`
	LeaderID  string         `json:"leaderId"`
	WordCount int            `json:"wordCount"`
	Members   []Member       `json:"members"`
	Round     *RoundSnapshot `json:"round"`
	CreatedAt time.Time      `json:"createdAt"`
}

// memberListLocked returns the roster in join order. Assumes p.mu is held.
func (p *Party) memberListLocked() []Member {
	members := make([]Member, 0, len(p.order))
	for _, id := range p.order {
		if m, ok := p.members[id]; ok {
			members = append(members, *m)
		}
	}
	return members
}

// snapshotLocked assumes p.mu is held.
func (p *Party) snapshotLocked() PartySnapshot {
	snap := PartySnapshot{
		Code:      p.code,
		PartyName: p.name,
		LeaderID:  p.leaderID,
		WordCount: len(p.words),
		Members:   p.memberListLocked(),
		CreatedAt: p.createdAt,
	}
	if p.round != nil {
		snap.Round = &RoundSnapshot{
			Active:    p.round.Active,
			StartedAt: p.round.StartedAt,
		}
	}
	return snap
}

// nameTakenLocked reports whether name collides case-insensitively with any
// member other than exceptID. Assumes p.mu is held.
func (p *Party) nameTakenLocked(name, exceptID string) bool {
	for _, m := range p.members {
		if m.ID == exceptID {
			continue
		}
		if strings.EqualFold(m.Name, name) {
			return true
		}
	}
	return false
}

// addMemberLocked appends a new non-leader member. Assumes p.mu is held.
func (p *Party) addMemberLocked(id, name string) *Member {
	member := &Member{
		ID:       id,
		Name:     name,
		JoinedAt: time.Now(),
	}
	p.members[member.ID] = member
	p.order = append(p.order, member.ID)

	return member
}

// kickLocked removes a member on the leader's behalf. The leader can never
// be kicked. Assumes p.mu is held.
func (p *Party) kickLocked(requesterID, targetID string) error {
	if requesterID != p.leaderID {
		return forbiddenErr("Only the leader can kick players")
	}
	if targetID == "" || targetID == p.leaderID {
		return forbiddenErr("Cannot kick this player")
	}
	if _, ok := p.members[targetID]; !ok {
		return notFoundErr("Player not found")
	}

	delete(p.members, targetID)
	for i, id := range p.order {
		if id == targetID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}

	return nil
}

// renameLocked changes a member's display name on the leader's behalf.
// Assumes p.mu is held.
func (p *Party) renameLocked(requesterID, targetID, newName string) error {
	if requesterID != p.leaderID {
		return forbiddenErr("Only the leader can rename players")
	}

	newName = strings.TrimSpace(newName)
	if targetID == "" || newName == "" {
		return validationErr("targetId and newName required")
	}

	target, ok := p.members[targetID]
	if !ok {
		return notFoundErr("Player not found")
	}
	if p.nameTakenLocked(newName, targetID) {
		return conflictErr("Name already taken")
	}

	target.Name = newName

	return nil
}

// PartyRegistry owns every live party, keyed by join code. The registry
// mutex guards only the code mapping; per-party state is guarded by each
// party's own mutex.
type PartyRegistry struct {
	mu      sync.Mutex
	parties map[string]*Party
	ttl     time.Duration

	// onDisband delivers the disband notice to bound connections. Wired
	// once at startup, before any party exists.
	onDisband func(code, message string)
}

func newPartyRegistry(ttl time.Duration) *PartyRegistry {
	return &PartyRegistry{
		parties: make(map[string]*Party),
		ttl:     ttl,
	}
}

func (pr *PartyRegistry) count() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	return len(pr.parties)
}

// newCodeLocked draws crypto-random codes until one is free. Collisions are
// operationally negligible but loop-checked anyway. Assumes pr.mu is held.
func (pr *PartyRegistry) newCodeLocked() string {
	for {
		buf := make([]byte, codeLength)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, codeLength)
		for i := range out {
			out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
		}
		code := string(out)

		if _, exists := pr.parties[code]; !exists {
			return code
		}
	}
}

// CreateParty registers a new party with the caller as leader. Vocabulary
// entries missing either field are dropped.
func (pr *PartyRegistry) CreateParty(name, leaderName string, words []VocabWord) (*Party, *Member, error) {
	name = strings.TrimSpace(name)
	leaderName = strings.TrimSpace(leaderName)

	if name == "" {
		return nil, nil, validationErr("partyName is required")
	}
	if leaderName == "" {
		return nil, nil, validationErr("leaderName is required")
	}

	kept := make([]VocabWord, 0, len(words))
	for _, w := range words {
		word := strings.TrimSpace(w.Word)
		definition := strings.TrimSpace(w.Definition)
		if word == "" || definition == "" {
			continue
		}
		kept = append(kept, VocabWord{Word: word, Definition: definition})
	}

	now := time.Now()
	leader := &Member{
		ID:       uuid.NewString(),
		Name:     leaderName,
		IsLeader: true,
		JoinedAt: now,
	}
	party := &Party{
		name:      name,
		leaderID:  leader.ID,
		members:   map[string]*Member{leader.ID: leader},
		order:     []string{leader.ID},
		words:     kept,
		createdAt: now,
		expiresAt: now.Add(pr.ttl),
	}

	pr.mu.Lock()
	party.code = pr.newCodeLocked()
	pr.parties[party.code] = party
	pr.mu.Unlock()

	code := party.code
	party.mu.Lock()
	party.expiry = time.AfterFunc(pr.ttl, func() {
		pr.remove(code, "Party expired after "+pr.ttl.String()+".")
	})
	party.mu.Unlock()

	return party, leader, nil
}

// Get looks up a party by join code. Codes are case-insensitive on the way
// in but always stored uppercase.
func (pr *PartyRegistry) Get(code string) (*Party, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	party, ok := pr.parties[strings.ToUpper(code)]
	if !ok {
		return nil, notFoundErr("Party not found")
	}

	return party, nil
}

// JoinParty adds a named member through the bootstrap flow. Joining is
// refused while a round is in progress.
func (pr *PartyRegistry) JoinParty(code, playerName string) (*Member, *Party, error) {
	party, err := pr.Get(code)
	if err != nil {
		return nil, nil, err
	}

	playerName = strings.TrimSpace(playerName)

	party.mu.Lock()
	defer party.mu.Unlock()

	if party.round != nil && party.round.Active {
		return nil, nil, conflictErr("Game is already in progress")
	}
	if playerName == "" {
		return nil, nil, validationErr("playerName is required")
	}
	if party.nameTakenLocked(playerName, "") {
		return nil, nil, conflictErr("That username is already taken in this party")
	}

	member := party.addMemberLocked(uuid.NewString(), playerName)

	return member, party, nil
}

// DisbandParty tears a party down on the leader's request: the pending
// expiry is cancelled, bound connections get a disband notice, and the code
// is released.
func (pr *PartyRegistry) DisbandParty(code, requesterID string) error {
	party, err := pr.Get(code)
	if err != nil {
		return err
	}

	party.mu.Lock()
	leaderID := party.leaderID
	party.mu.Unlock()

	if requesterID != leaderID {
		return forbiddenErr("Only the leader can disband the party")
	}

	pr.remove(party.code, "The leader has ended the party.")

	return nil
}

// remove claims the code, then notifies the party's bound connections.
// Claiming first makes removal exactly-once when a disband races the
// expiry timer; the notice still reaches every binding, since bindings
// outlive the registry entry.
func (pr *PartyRegistry) remove(code, message string) {
	pr.mu.Lock()
	party, ok := pr.parties[code]
	if ok {
		delete(pr.parties, code)
	}
	pr.mu.Unlock()

	if !ok {
		return
	}

	party.mu.Lock()
	if party.expiry != nil {
		party.expiry.Stop()
	}
	party.mu.Unlock()

	if pr.onDisband != nil {
		pr.onDisband(code, message)
	}
}
