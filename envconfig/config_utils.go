// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - Uint: Integer-Getter mit Default-Wert
// - Workers/Threads/CheckpointDType: abgeleitete Getter
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package envconfig

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
)

// =============================================================================
// Boolean-Getter
// =============================================================================

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// =============================================================================
// Integer-Getter
// =============================================================================

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// =============================================================================
// Abgeleitete Getter
// =============================================================================

var (
	// Workers gibt die Default-Anzahl der Loader-Worker zurueck (URSA_NUM_WORKERS)
	Workers = Uint("URSA_NUM_WORKERS", 20)

	// NoProgress deaktiviert Fortschrittsanzeigen (URSA_NOPROGRESS)
	NoProgress = Bool("URSA_NOPROGRESS")
)

// Threads gibt die Anzahl der Rechen-Goroutinen fuer Forward/Backward zurueck
// Konfigurierbar via URSA_NUM_THREADS
// Default: runtime.NumCPU()
func Threads() int {
	if n := Uint("URSA_NUM_THREADS", 0)(); n > 0 {
		return int(n)
	}
	return runtime.NumCPU()
}

// CheckpointDType gibt den Tensor-Datentyp fuer Checkpoint-Payloads zurueck
// Konfigurierbar via URSA_CKPT_DTYPE
// Werte: f32 (Default), f16, bf16
func CheckpointDType() string {
	switch s := strings.ToLower(Var("URSA_CKPT_DTYPE")); s {
	case "f16", "bf16":
		return s
	case "", "f32":
		return "f32"
	default:
		slog.Warn("invalid checkpoint dtype, using default", "value", s, "default", "f32")
		return "f32"
	}
}

// =============================================================================
// Export-Strukturen und -Funktionen
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	ret := map[string]EnvVar{
		"URSA_DEBUG":       {"URSA_DEBUG", LogLevel(), "Show additional debug information (e.g. URSA_DEBUG=1)"},
		"URSA_HOST":        {"URSA_HOST", Host(), "IP Address for the ursa dashboard (default 127.0.0.1:8772)"},
		"URSA_MODELS":      {"URSA_MODELS", Models(), "The path to the runs/checkpoints directory"},
		"URSA_DATASETS":    {"URSA_DATASETS", Datasets(), "Base directory for relative dataset paths"},
		"URSA_ORIGINS":     {"URSA_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"URSA_NUM_WORKERS": {"URSA_NUM_WORKERS", Workers(), "Default number of data loader workers (default 20)"},
		"URSA_NUM_THREADS": {"URSA_NUM_THREADS", Threads(), "Number of compute goroutines for forward/backward passes"},
		"URSA_CKPT_DTYPE":  {"URSA_CKPT_DTYPE", CheckpointDType(), "Tensor payload dtype for checkpoints: f32, f16 or bf16 (default f32)"},
		"URSA_NOPROGRESS":  {"URSA_NOPROGRESS", NoProgress(), "Do not render terminal progress bars"},
	}

	return ret
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
