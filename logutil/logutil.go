// logutil.go - slog-Hilfsfunktionen
//
// Dieses Modul enthaelt:
// - NewLogger: Erzeugt einen slog.Logger mit Level und Quelldatei-Kuerzung
// - LevelTrace: Log-Level unterhalb von Debug fuer Sampling-Runden
// - Trace/TraceContext: Logging auf Trace-Level
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
)

const LevelTrace slog.Level = slog.LevelDebug - 4

// NewLogger erzeugt einen Text-Logger mit Quellenangabe
// Quelldateien werden auf den Basisnamen gekuerzt
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if level, ok := attr.Value.Any().(slog.Level); ok && level == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				if source, ok := attr.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
				}
			}
			return attr
		},
	}))
}

// Trace loggt auf Trace-Level ueber den Default-Logger
func Trace(msg string, args ...any) {
	slog.Log(context.TODO(), LevelTrace, msg, args...)
}

// TraceContext loggt auf Trace-Level mit Context
func TraceContext(ctx context.Context, msg string, args ...any) {
	slog.Log(ctx, LevelTrace, msg, args...)
}
