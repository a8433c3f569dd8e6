// config.go - Haupt-Konfigurationsfunktionen fuer Ursa
//
// Dieses Modul enthaelt:
// - Host: Gibt Scheme und Host zurueck (URSA_HOST)
// - AllowedOrigins: Gibt erlaubte Origins zurueck (URSA_ORIGINS)
// - Models: Gibt Run-/Checkpoint-Verzeichnis zurueck (URSA_MODELS)
// - Datasets: Gibt Dataset-Verzeichnis zurueck (URSA_DATASETS)
// - LogLevel: Gibt Log-Level zurueck (URSA_DEBUG)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Host gibt Scheme und Host fuer das Dashboard zurueck
// Konfigurierbar via URSA_HOST
// Default: http://127.0.0.1:8772
func Host() *url.URL {
	defaultPort := "8772"

	s := strings.TrimSpace(Var("URSA_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins gibt erlaubte Origins fuer das Dashboard zurueck
// Konfigurierbar via URSA_ORIGINS (komma-separiert)
// Enthaelt Standard-Origins fuer localhost
func AllowedOrigins() (origins []string) {
	if s := Var("URSA_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	// Standard-Origins fuer localhost
	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	origins = append(origins,
		"app://*",
		"file://*",
	)

	return origins
}

// Models gibt das Verzeichnis fuer Runs und Checkpoints zurueck
// Konfigurierbar via URSA_MODELS
// Default: $HOME/.ursa/models
func Models() string {
	if s := Var("URSA_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".ursa", "models")
}

// Datasets gibt das Verzeichnis zurueck, gegen das relative
// Dataset-Pfade aufgeloest werden
// Konfigurierbar via URSA_DATASETS
// Default: $HOME/.ursa/datasets
func Datasets() string {
	if s := Var("URSA_DATASETS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".ursa", "datasets")
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via URSA_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("URSA_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
