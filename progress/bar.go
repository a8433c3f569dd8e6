// bar.go - Fortschrittsbalken
//
// Dieses Modul enthaelt:
// - Bar: zaehlender Fortschrittsbalken mit Rate und Restzeit
//
// Der Balken zaehlt Stueckzahlen, etwa Minibatches einer Epoche oder
// Beispiele der Kandidatensuche. Erreicht der Zaehler das Maximum,
// frieren Rate und Restzeit ein.
package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/containerd/console"
	"github.com/mattn/go-runewidth"
)

// Bar counts progress towards a known total.
type Bar struct {
	message      string
	messageWidth int

	maxValue     int64
	initialValue int64
	currentValue int64

	started time.Time
	stopped time.Time
}

// NewBar starts a bar at initialValue out of maxValue.
func NewBar(message string, maxValue, initialValue int64) *Bar {
	return &Bar{
		message:      message,
		messageWidth: -1,
		maxValue:     maxValue,
		initialValue: initialValue,
		currentValue: initialValue,
		started:      time.Now(),
	}
}

// Set moves the bar to value, clamped at the total.
func (b *Bar) Set(value int64) {
	if value >= b.maxValue {
		value = b.maxValue
		if b.stopped.IsZero() {
			b.stopped = time.Now()
		}
	}
	b.currentValue = value
}

func (b *Bar) percent() float64 {
	if b.maxValue > 0 {
		return float64(b.currentValue) / float64(b.maxValue) * 100
	}
	return 0
}

func (b *Bar) elapsed() time.Duration {
	if !b.stopped.IsZero() {
		return b.stopped.Sub(b.started)
	}
	return time.Since(b.started)
}

// rate returns processed items per second since the start.
func (b *Bar) rate() float64 {
	if secs := b.elapsed().Seconds(); secs > 0 {
		return float64(b.currentValue-b.initialValue) / secs
	}
	return 0
}

func (b *Bar) remaining() time.Duration {
	if rate := b.rate(); rate > 0 && b.stopped.IsZero() {
		return time.Duration(float64(b.maxValue-b.currentValue) / rate * float64(time.Second))
	}
	return 0
}

func (b *Bar) String() string {
	termWidth := int64(80)
	if f, err := console.ConsoleFromFile(os.Stderr); err == nil {
		if ws, err := f.Size(); err == nil {
			termWidth = int64(ws.Width)
		}
	}

	var pre strings.Builder
	if len(b.message) > 0 {
		message := strings.TrimSpace(b.message)
		if b.messageWidth > 0 && runewidth.StringWidth(message) > b.messageWidth {
			message = runewidth.Truncate(message, b.messageWidth, "")
		}
		fmt.Fprintf(&pre, "%s", message)
		if padding := b.messageWidth - runewidth.StringWidth(pre.String()); padding > 0 {
			pre.WriteString(strings.Repeat(" ", padding))
		}
		pre.WriteString(" ")
	}
	fmt.Fprintf(&pre, "%3.0f%%", math.Floor(b.percent()))

	var suf strings.Builder
	fmt.Fprintf(&suf, " (%d/%d", b.currentValue, b.maxValue)
	if b.stopped.IsZero() {
		if rate := b.rate(); rate > 0 {
			fmt.Fprintf(&suf, ", %0.0f it/s", rate)
		}
	}
	suf.WriteString(")")
	if remaining := b.remaining(); remaining > 0 {
		fmt.Fprintf(&suf, " [%s]", remaining.Round(time.Second))
	}

	// Balken nur zeichnen, wenn dafuer Platz ist
	mid := " "
	if available := int(termWidth) - runewidth.StringWidth(pre.String()) - runewidth.StringWidth(suf.String()) - 2; available > 2 {
		filled := int(float64(available) * b.percent() / 100)
		var bar strings.Builder
		bar.WriteString("▕")
		bar.WriteString(strings.Repeat("█", filled))
		bar.WriteString(strings.Repeat(" ", available-filled))
		bar.WriteString("▏")
		mid = bar.String()
	}

	return pre.String() + mid + suf.String()
}
