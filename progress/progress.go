// progress.go - Terminalanzeige
//
// Dieses Modul enthaelt:
// - State: eine darstellbare Anzeigezeile
// - Progress: nebenlaeufige Mehrzeilenanzeige mit Ticker-Repaint
//
// Die Anzeige zeichnet alle Zeilen zehnmal pro Sekunde neu. Cursor-
// Steuerung laeuft ueber ANSI-Sequenzen, der Aufrufer entscheidet, ob
// das Ziel ein Terminal ist.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// State is one redrawable display line.
type State interface {
	String() string
}

// Progress repaints its states on a ticker until stopped.
type Progress struct {
	mu sync.Mutex
	w  io.Writer

	pos int

	ticker *time.Ticker
	keys   []string
	states []State
}

// NewProgress starts a display writing to w.
func NewProgress(w io.Writer) *Progress {
	p := &Progress{w: w, ticker: time.NewTicker(100 * time.Millisecond)}
	go p.start()
	return p
}

func (p *Progress) stop() bool {
	for _, state := range p.states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}

	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
		p.render()
		return true
	}

	return false
}

// Stop freezes the display and leaves the last frame visible.
func (p *Progress) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	stopped := p.stop()
	if stopped {
		fmt.Fprint(p.w, "\n")
	}
	return stopped
}

// StopAndClear freezes the display and erases every rendered line.
func (p *Progress) StopAndClear() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.w, "\033[?25l")
	defer fmt.Fprint(p.w, "\033[?25h")

	stopped := p.stop()
	if stopped {
		for i := range p.pos {
			if i > 0 {
				fmt.Fprint(p.w, "\033[A")
			}
			fmt.Fprint(p.w, "\033[2K\033[1G")
		}
	}

	return stopped
}

// Add appends a display line below the existing ones. Adding under an
// already used key replaces that line instead, so a repeated phase
// reuses its slot.
func (p *Progress) Add(key string, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, k := range p.keys {
		if k == key {
			p.states[i] = state
			return
		}
	}

	p.keys = append(p.keys, key)
	p.states = append(p.states, state)
}

func (p *Progress) render() {
	fmt.Fprint(p.w, "\033[?25l")
	defer fmt.Fprint(p.w, "\033[?25h")

	// bereits gezeichnete Zeilen loeschen
	for i := range p.pos {
		if i > 0 {
			fmt.Fprint(p.w, "\033[A")
		}
		fmt.Fprint(p.w, "\033[2K\033[1G")
	}

	for i, state := range p.states {
		fmt.Fprint(p.w, state.String())
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = len(p.states)
}

func (p *Progress) start() {
	p.mu.Lock()
	ticker := p.ticker
	p.mu.Unlock()
	if ticker == nil {
		return
	}

	for range ticker.C {
		p.mu.Lock()
		if p.ticker != nil {
			p.render()
		}
		p.mu.Unlock()
	}
}
