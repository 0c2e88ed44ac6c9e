// Package icebreaker hands out conversation-starter prompts without
// repeating one to the same peer until every prompt has been used.
package icebreaker

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// DefaultPrompts is used when no prompts are configured.
var DefaultPrompts = []string{
	"What's the best thing that happened to you this week?",
	"If you could teleport anywhere right now, where would you go?",
	"What's a skill you'd love to learn?",
	"What's the last song you had on repeat?",
	"Coffee, tea, or neither?",
	"What's a small thing that always makes your day better?",
	"What's the most interesting place you've ever been?",
	"If you had a free Saturday with no plans, what would you do?",
	"What's a movie you could watch over and over?",
	"What's something you're looking forward to?",
	"Early bird or night owl?",
	"What's the best meal you've had recently?",
}

// Picker tracks which prompts each peer has seen. Safe for concurrent use.
type Picker struct {
	prompts []string
	intn    func(n int) int

	mu   sync.Mutex
	used map[string]map[string]bool
}

// New creates a Picker over prompts (blank entries dropped, DefaultPrompts
// if none remain). intn returns a value in [0, n); nil uses math/rand/v2.
func New(prompts []string, intn func(n int) int) *Picker {
	var clean []string
	seen := make(map[string]bool)
	for _, p := range prompts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		clean = append(clean, p)
	}
	if len(clean) == 0 {
		clean = append(clean, DefaultPrompts...)
	}
	if intn == nil {
		intn = rand.IntN
	}
	return &Picker{
		prompts: clean,
		intn:    intn,
		used:    make(map[string]map[string]bool),
	}
}

// Next returns a prompt peerID has not been given yet and marks it used.
// When every prompt has been used the peer's history is cleared first.
func (p *Picker) Next(peerID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	used := p.used[peerID]
	if used == nil || len(used) >= len(p.prompts) {
		used = make(map[string]bool, len(p.prompts))
		p.used[peerID] = used
	}

	available := make([]string, 0, len(p.prompts)-len(used))
	for _, q := range p.prompts {
		if !used[q] {
			available = append(available, q)
		}
	}
	q := available[p.intn(len(available))]
	used[q] = true
	return q
}

// Reset forgets the prompts given to peerID.
func (p *Picker) Reset(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, peerID)
}

// Used returns how many prompts peerID has been given since the last reset.
func (p *Picker) Used(peerID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used[peerID])
}

// Len returns the number of prompts.
func (p *Picker) Len() int {
	return len(p.prompts)
}
