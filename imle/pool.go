// pool.go - Zyklischer Index-Pool
//
// Dieses Modul enthaelt:
// - KOrKMinusOne: Ziehen ohne Zuruecklegen ueber gemischte Zyklen
// - PoolState: serialisierbarer Zustand fuer Checkpoints
//
// Jeder Index erscheint genau einmal pro Zyklus. Ein Pop an der
// Zyklusgrenze liefert den Rest des Zyklus (1 bis k Indizes) und
// mischt sofort eine frische Permutation fuer den naechsten Aufruf.
package imle

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
)

// ErrPopTooLarge reports a pop request larger than the pool, which can
// never be served without repeating an index within one cycle.
var ErrPopTooLarge = errors.New("pop size exceeds pool size")

// KOrKMinusOne draws per call k distinct indices not yet seen in the
// current cycle. The name reflects the boundary behavior: a call
// crossing the cycle boundary returns fewer than k.
type KOrKMinusOne struct {
	n      int
	pos    int
	perm   []int
	rng    *rand.Rand
	seed   int64
	cycles int
}

// NewKOrKMinusOne creates a pool over [0, n) with a seeded shuffle.
func NewKOrKMinusOne(n int, seed int64) (*KOrKMinusOne, error) {
	if n < 1 {
		return nil, fmt.Errorf("pool size %d must be positive", n)
	}
	p := &KOrKMinusOne{n: n, rng: rand.New(rand.NewSource(seed)), seed: seed}
	p.shuffle()
	return p, nil
}

func (p *KOrKMinusOne) shuffle() {
	p.perm = p.rng.Perm(p.n)
	p.pos = 0
	p.cycles++
}

// PopK returns k indices, or the remainder of the current cycle when
// fewer than k are left. k > n is a configuration error.
func (p *KOrKMinusOne) PopK(k int) ([]int, error) {
	if k < 1 {
		return nil, fmt.Errorf("pop size %d must be positive", k)
	}
	if k > p.n {
		return nil, fmt.Errorf("%w: %d > %d", ErrPopTooLarge, k, p.n)
	}

	if remaining := p.n - p.pos; k >= remaining {
		out := slices.Clone(p.perm[p.pos:])
		p.shuffle()
		return out, nil
	}

	out := slices.Clone(p.perm[p.pos : p.pos+k])
	p.pos += k
	return out, nil
}

// N returns the pool size.
func (p *KOrKMinusOne) N() int { return p.n }

// Remaining returns how many indices the current cycle still holds.
func (p *KOrKMinusOne) Remaining() int { return p.n - p.pos }

// PoolState is the serializable pool state. Seed plus the shuffle count
// reconstructs the generator, so a restored pool continues with exactly
// the permutation sequence an uninterrupted run would have produced.
type PoolState struct {
	N      int   `json:"n"`
	Pos    int   `json:"pos"`
	Perm   []int `json:"perm"`
	Seed   int64 `json:"seed"`
	Cycles int   `json:"cycles"`
}

// State captures the pool for checkpointing.
func (p *KOrKMinusOne) State() PoolState {
	return PoolState{
		N:      p.n,
		Pos:    p.pos,
		Perm:   slices.Clone(p.perm),
		Seed:   p.seed,
		Cycles: p.cycles,
	}
}

// RestorePool rebuilds a pool from its serialized state.
func RestorePool(s PoolState) (*KOrKMinusOne, error) {
	if s.N < 1 || len(s.Perm) != s.N || s.Pos < 0 || s.Pos > s.N || s.Cycles < 1 {
		return nil, fmt.Errorf("invalid pool state: n=%d pos=%d perm=%d cycles=%d", s.N, s.Pos, len(s.Perm), s.Cycles)
	}
	seen := make([]bool, s.N)
	for _, v := range s.Perm {
		if v < 0 || v >= s.N || seen[v] {
			return nil, fmt.Errorf("invalid pool state: perm is not a permutation of [0, %d)", s.N)
		}
		seen[v] = true
	}

	p := &KOrKMinusOne{
		n:      s.N,
		pos:    s.Pos,
		perm:   slices.Clone(s.Perm),
		rng:    rand.New(rand.NewSource(s.Seed)),
		seed:   s.Seed,
		cycles: s.Cycles,
	}
	// Generator auf den Stand nach s.Cycles Mischungen vorspulen
	for i := 0; i < s.Cycles; i++ {
		p.rng.Perm(s.N)
	}
	return p, nil
}
