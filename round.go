package main

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Role labels used in GAME_STARTED payloads.
const (
	RolePlayer   = "PLAYER"
	RoleImpostor = "IMPOSTOR"
)

// RoundAssignment is the personalized payload for one member at round
// start. The impostor's Word and Definition stay nil.
type RoundAssignment struct {
	MemberID   string
	Role       string
	Word       *string
	Definition *string
}

// Reveal is the post-game disclosure of the round secret, sent to every
// member including the impostor.
type Reveal struct {
	Word       string `json:"word"`
	Definition string `json:"definition"`
	ImpostorID string `json:"impostorId"`
}

// pickIndex draws a uniform index in [0, n) from crypto/rand, with
// rejection sampling to avoid modulo bias.
func pickIndex(n int) int {
	if n <= 0 {
		panic("pickIndex: empty range")
	}

	limit := (uint64(1) << 32) - ((uint64(1) << 32) % uint64(n))
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		v := uint64(binary.BigEndian.Uint32(buf[:]))
		if v < limit {
			return int(v % uint64(n))
		}
	}
}

// startRoundLocked validates preconditions, draws a fresh impostor/word
// pair, and returns one personalized assignment per member. Re-invoking it
// while a round is active starts the next round; membership is untouched
// either way. Assumes p.mu is held.
func (p *Party) startRoundLocked(requesterID string) ([]RoundAssignment, error) {
	if requesterID != p.leaderID {
		return nil, forbiddenErr("Only the leader can start the game")
	}
	if len(p.members) < 2 {
		return nil, validationErr("Need at least 2 players")
	}
	if len(p.words) == 0 {
		return nil, validationErr("No vocabulary words loaded")
	}

	impostorID := p.order[pickIndex(len(p.order))]
	chosen := p.words[pickIndex(len(p.words))]

	p.round = &Round{
		Active:     true,
		ImpostorID: impostorID,
		Word:       chosen.Word,
		Definition: chosen.Definition,
		StartedAt:  time.Now(),
	}

	assignments := make([]RoundAssignment, 0, len(p.order))
	for _, id := range p.order {
		a := RoundAssignment{MemberID: id, Role: RolePlayer}
		if id == impostorID {
			a.Role = RoleImpostor
		} else {
			word, definition := chosen.Word, chosen.Definition
			a.Word = &word
			a.Definition = &definition
		}
		assignments = append(assignments, a)
	}

	return assignments, nil
}

// endGameLocked clears the active round and returns the reveal, or nil if
// no round was running. Confidentiality ends here: the reveal goes to
// everyone. Assumes p.mu is held.
func (p *Party) endGameLocked(requesterID string) (*Reveal, error) {
	if requesterID != p.leaderID {
		return nil, forbiddenErr("Only the leader can end the game")
	}

	var reveal *Reveal
	if p.round != nil {
		reveal = &Reveal{
			Word:       p.round.Word,
			Definition: p.round.Definition,
			ImpostorID: p.round.ImpostorID,
		}
	}
	p.round = nil

	return reveal, nil
}
