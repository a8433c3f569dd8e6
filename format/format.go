// format.go - Formatierung fuer Logs und Tabellen
//
// Dieses Modul enthaelt:
// - HumanBytes: Dezimale Groessenangabe (KB/MB/GB)
// - HumanNumber: Gekuerzte Zahlen (1.2K/3.4M/5.6B)
// - HumanDuration: Grobe Dauer-Angabe fuer Tabellen
// - HumanTime: Relative Zeitangabe ("2 hours ago")
package format

import (
	"fmt"
	"math"
	"time"
)

const (
	Byte     = 1
	KiloByte = Byte * 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000
)

// HumanBytes formatiert Bytes dezimal mit einer Nachkommastelle
func HumanBytes(b int64) string {
	switch {
	case b >= GigaByte:
		return fmt.Sprintf("%.1f GB", float64(b)/GigaByte)
	case b >= MegaByte:
		return fmt.Sprintf("%.1f MB", float64(b)/MegaByte)
	case b >= KiloByte:
		return fmt.Sprintf("%.1f KB", float64(b)/KiloByte)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// HumanNumber kuerzt grosse Zahlen (Parameter-Anzahlen etc.)
func HumanNumber(n uint64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// HumanDuration rundet eine Dauer auf eine lesbare Einheit
func HumanDuration(d time.Duration) string {
	seconds := int(math.Round(d.Seconds()))
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%dh%dm", seconds/3600, (seconds%3600)/60)
	case seconds >= 60:
		return fmt.Sprintf("%dm%ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// HumanTime beschreibt einen Zeitpunkt relativ zu jetzt. Fuer den
// Nullwert wird zeroValue zurueckgegeben.
func HumanTime(t time.Time, zeroValue string) string {
	if t.IsZero() {
		return zeroValue
	}

	delta := time.Since(t)
	if delta < 0 {
		return "in " + humanDelta(-delta)
	}
	return humanDelta(delta) + " ago"
}

func humanDelta(d time.Duration) string {
	seconds := int(d.Seconds())
	minutes := int(d.Minutes())
	hours := int(math.Round(d.Hours()))

	switch {
	case seconds < 1:
		return "Less than a second"
	case seconds == 1:
		return "1 second"
	case seconds < 60:
		return fmt.Sprintf("%d seconds", seconds)
	case minutes == 1:
		return "About a minute"
	case minutes < 60:
		return fmt.Sprintf("%d minutes", minutes)
	case hours == 1:
		return "About an hour"
	case hours < 48:
		return fmt.Sprintf("%d hours", hours)
	case hours < 24*14:
		return fmt.Sprintf("%d days", hours/24)
	case hours < 24*60:
		return fmt.Sprintf("%d weeks", hours/24/7)
	case hours < 24*365*2:
		return fmt.Sprintf("%d months", hours/24/30)
	default:
		return fmt.Sprintf("%d years", hours/24/365)
	}
}
