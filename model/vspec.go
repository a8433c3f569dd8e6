// vspec.go - Variational-Spezifikation
//
// Dieses Modul enthaelt:
// - Method: Injektionsart einer Stage (adain, local_adain)
// - Stage: Stage-Index plus Methode
// - ParseVSpec/FormatVSpec: CLI-Eintraege <idx>_<method> hin und zurueck
//
// Eine leere Spezifikation ist gueltig (rein deterministischer
// Autoencoder); die Behandlung (Warnung, z_per_ex=1) liegt beim Aufrufer.
package model

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrBadVSpec meldet einen nicht parsbaren v_spec-Eintrag
var ErrBadVSpec = errors.New("invalid variational spec")

// Method is the injection mechanism of a variational stage.
type Method int

const (
	MethodAdaIN Method = iota
	MethodLocalAdaIN
)

func (m Method) String() string {
	switch m {
	case MethodAdaIN:
		return "adain"
	case MethodLocalAdaIN:
		return "local_adain"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseMethod maps a method name onto a Method.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "adain":
		return MethodAdaIN, nil
	case "local_adain":
		return MethodLocalAdaIN, nil
	default:
		return 0, fmt.Errorf("%w: unknown method %q", ErrBadVSpec, s)
	}
}

// Stage binds an injection method to an architecture stage index.
type Stage struct {
	Index  int
	Method Method
}

func (s Stage) String() string {
	return fmt.Sprintf("%d_%s", s.Index, s.Method)
}

// ParseVSpec parses entries of the form "<idx>_<method>", for example
// "0_adain" or "1_local_adain". Stages come back sorted by index;
// duplicate indices are an error.
func ParseVSpec(entries []string) ([]Stage, error) {
	seen := make(map[int]bool)
	stages := make([]Stage, 0, len(entries))

	for _, e := range entries {
		idxStr, methodStr, ok := strings.Cut(e, "_")
		if !ok {
			return nil, fmt.Errorf("%w: %q (want <idx>_<method>)", ErrBadVSpec, e)
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("%w: %q (bad stage index)", ErrBadVSpec, e)
		}
		if seen[idx] {
			return nil, fmt.Errorf("%w: stage %d specified twice", ErrBadVSpec, idx)
		}
		seen[idx] = true

		method, err := ParseMethod(methodStr)
		if err != nil {
			return nil, err
		}
		stages = append(stages, Stage{Index: idx, Method: method})
	}

	sort.Slice(stages, func(i, j int) bool { return stages[i].Index < stages[j].Index })
	return stages, nil
}

// FormatVSpec renders stages back into their CLI form.
func FormatVSpec(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.String()
	}
	return out
}
