// sample.go - Sampling von Latent-Dictionaries
//
// Dieses Modul enthaelt:
// - Noise: Rauscharten (Gaussian, Zeros) mit Parser
// - Dict: benannte Latent-Tensoren eines Batches
// - Sample: zieht ein Dict passend zu einer Spec
//
// Gleicher Seed und gleiche Spec liefern bitidentische Ergebnisse.
package latent

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/pdevine/tensor"
)

// ErrUnknownNoise reports an unrecognized noise kind in the run configuration.
var ErrUnknownNoise = errors.New("unknown noise kind")

// Noise selects the distribution latents are drawn from.
type Noise int

const (
	// Gaussian draws from the standard normal distribution.
	Gaussian Noise = iota
	// Zeros yields all-zero latents, turning injection into an identity-like path.
	Zeros
)

func (n Noise) String() string {
	switch n {
	case Gaussian:
		return "gaussian"
	case Zeros:
		return "zeros"
	default:
		return fmt.Sprintf("noise(%d)", int(n))
	}
}

// ParseNoise maps a configuration string onto a Noise value.
func ParseNoise(s string) (Noise, error) {
	switch s {
	case "gaussian":
		return Gaussian, nil
	case "zeros":
		return Zeros, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownNoise, s)
	}
}

// Dict maps group names to sampled float32 tensors. The leading dimension of
// each tensor is that group's batch size; remaining dimensions match the spec.
type Dict map[string]*tensor.Dense

// Rows returns the leading dimension of the named group, or 0 when absent.
func (d Dict) Rows(name string) int {
	t, ok := d[name]
	if !ok {
		return 0
	}
	return t.Shape()[0]
}

// SampleOptions control one Sample call.
type SampleOptions struct {
	Noise Noise
	// Seed != 0 draws from a fresh deterministic source; 0 uses the shared
	// process-wide source.
	Seed int64
	// Overrides maps a group's BatchKey to its batch size, replacing the
	// default for that group (for example "latents_bs": bs*zPerEx).
	Overrides map[string]int
}

// Sample draws one latent dictionary for the spec. Every group gets bs rows
// unless its BatchKey appears in opts.Overrides. Groups are filled in spec
// order so a fixed seed reproduces the whole dict.
func Sample(spec *Spec, bs int, opts SampleOptions) (Dict, error) {
	if bs <= 0 {
		return nil, fmt.Errorf("latent sample: batch size %d", bs)
	}

	var rng *rand.Rand
	if opts.Seed != 0 {
		rng = rand.New(rand.NewSource(opts.Seed))
	}

	dict := make(Dict, spec.Len())
	for pair := spec.groups.Oldest(); pair != nil; pair = pair.Next() {
		rows := bs
		if pair.Value.BatchKey != "" {
			if n, ok := opts.Overrides[pair.Value.BatchKey]; ok {
				rows = n
			}
		}
		if rows <= 0 {
			return nil, fmt.Errorf("latent sample: group %s: %d rows", pair.Key, rows)
		}

		backing := make([]float32, rows*pair.Value.Numel())
		if opts.Noise == Gaussian {
			if rng != nil {
				for i := range backing {
					backing[i] = float32(rng.NormFloat64())
				}
			} else {
				for i := range backing {
					backing[i] = float32(rand.NormFloat64())
				}
			}
		}

		shape := append([]int{rows}, pair.Value.Shape...)
		dict[pair.Key] = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
	}

	return dict, nil
}
