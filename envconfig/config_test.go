// config_test.go - Tests fuer die Environment-Konfiguration
package envconfig

import (
	"log/slog"
	"testing"
)

func TestHost(t *testing.T) {
	cases := map[string]struct {
		value string
		want  string
	}{
		"empty":          {"", "127.0.0.1:8772"},
		"only address":   {"1.2.3.4", "1.2.3.4:8772"},
		"only port":      {":5555", "127.0.0.1:5555"},
		"address + port": {"1.2.3.4:5555", "1.2.3.4:5555"},
		"hostname":       {"example.com", "example.com:8772"},
		"http scheme":    {"http://1.2.3.4", "1.2.3.4:80"},
		"https scheme":   {"https://1.2.3.4", "1.2.3.4:443"},
		"bad port":       {"1.2.3.4:99999", "1.2.3.4:8772"},
		"quoted":         {"\"1.2.3.4:5555\"", "1.2.3.4:5555"},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("URSA_HOST", tt.value)
			if got := Host(); got.Host != tt.want {
				t.Errorf("Host() = %q, want %q", got.Host, tt.want)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]struct {
		value string
		want  slog.Level
	}{
		"unset": {"", slog.LevelInfo},
		"false": {"false", slog.LevelInfo},
		"true":  {"true", slog.LevelDebug},
		"one":   {"1", slog.LevelDebug},
		"two":   {"2", slog.LevelDebug - 4},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("URSA_DEBUG", tt.value)
			if got := LogLevel(); got != tt.want {
				t.Errorf("LogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckpointDType(t *testing.T) {
	cases := map[string]string{
		"":     "f32",
		"f32":  "f32",
		"f16":  "f16",
		"bf16": "bf16",
		"F16":  "f16",
		"int8": "f32",
	}

	for value, want := range cases {
		t.Setenv("URSA_CKPT_DTYPE", value)
		if got := CheckpointDType(); got != want {
			t.Errorf("CheckpointDType() with %q = %q, want %q", value, got, want)
		}
	}
}

func TestUint(t *testing.T) {
	t.Setenv("URSA_NUM_WORKERS", "")
	if got := Workers(); got != 20 {
		t.Errorf("Workers() default = %d, want 20", got)
	}

	t.Setenv("URSA_NUM_WORKERS", "7")
	if got := Workers(); got != 7 {
		t.Errorf("Workers() = %d, want 7", got)
	}

	t.Setenv("URSA_NUM_WORKERS", "abc")
	if got := Workers(); got != 20 {
		t.Errorf("Workers() with junk = %d, want default 20", got)
	}
}
