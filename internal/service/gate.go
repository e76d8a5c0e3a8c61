package service

import (
	"errors"
	"fmt"
	"sync"
)

// ErrLocked signals a concurrent mutation is already in flight for this id.
var ErrLocked = errors.New("feed locked")

// gate is a 1-token semaphore with TryLock semantics (non-blocking fast-fail).
type gate struct{ ch chan struct{} }

func newGate() *gate {
	g := &gate{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{} // token present => unlocked
	return g
}

func (g *gate) TryLock() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *gate) Unlock() {
	select {
	case g.ch <- struct{}{}:
	default:
		panic("unlock of unlocked gate")
	}
}

// gates hands out one gate per feed id.
type gates struct{ m sync.Map } // map[string]*gate

// tryLock acquires the gate for id without blocking.
func (gs *gates) tryLock(id string) (func(), error) {
	for {
		v, _ := gs.m.LoadOrStore(id, newGate())
		g := v.(*gate)
		if g.TryLock() {
			return g.Unlock, nil
		}
		// A retired gate never gets its token back; look up the replacement.
		if cur, ok := gs.m.Load(id); ok && cur == v {
			return func() {}, fmt.Errorf("feed %q: %w", id, ErrLocked)
		}
	}
}

// retire drops the gate for id. The caller must hold it and must not
// unlock it afterwards; the next tryLock for id starts a fresh gate.
func (gs *gates) retire(id string) { gs.m.Delete(id) }
