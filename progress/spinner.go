// spinner.go - Wartespinner
//
// Dieses Modul enthaelt:
// - Spinner: rotierende Anzeige fuer Arbeit ohne bekanntes Ende
package progress

import (
	"fmt"
	"strings"
	"time"
)

// Spinner shows activity while the total amount of work is unknown.
type Spinner struct {
	message      string
	messageWidth int

	parts []string

	value int

	ticker  *time.Ticker
	started time.Time
	stopped time.Time
}

// NewSpinner starts a spinner with the given message.
func NewSpinner(message string) *Spinner {
	s := Spinner{
		message: message,
		parts: []string{
			"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		},
		started: time.Now(),
	}
	go s.start()
	return &s
}

// SetMessage replaces the message next to the spinner.
func (s *Spinner) SetMessage(message string) {
	s.message = message
}

func (s *Spinner) String() string {
	var sb strings.Builder

	if len(s.message) > 0 {
		message := strings.TrimSpace(s.message)
		if s.messageWidth > 0 && len(message) > s.messageWidth {
			message = message[:s.messageWidth]
		}
		fmt.Fprintf(&sb, "%s", message)
		if padding := s.messageWidth - sb.Len(); padding > 0 {
			sb.WriteString(strings.Repeat(" ", padding))
		}
		sb.WriteString(" ")
	}

	if s.stopped.IsZero() {
		sb.WriteString(s.parts[s.value])
		sb.WriteString(" ")
	}

	return sb.String()
}

func (s *Spinner) start() {
	s.ticker = time.NewTicker(100 * time.Millisecond)
	for range s.ticker.C {
		s.value = (s.value + 1) % len(s.parts)
		if !s.stopped.IsZero() {
			return
		}
	}
}

// Stop freezes the spinner.
func (s *Spinner) Stop() {
	if s.stopped.IsZero() {
		s.stopped = time.Now()
	}
}
