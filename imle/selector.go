// selector.go - Kandidaten-Auswahl
//
// Dieses Modul enthaelt:
// - Selector: findet je Beispiel den Loss-minimalen Latent-Code
//
// Pro Teilbatch von code_bs Beispielen laufen ns/sp Runden; jede Runde
// zieht sp frische Kandidaten je Beispiel und vergleicht strikt-kleiner
// gegen das laufende Minimum (Gleichstand behaelt den frueheren Fund).
// Das Maskenrauschen eines Beispiels wird einmal zu Beginn gezogen und
// bleibt ueber alle Runden identisch. Verworfene Kandidaten werden
// sofort freigegeben; nur der Gewinner bleibt im Speicher.
package imle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/pdevine/tensor"

	"github.com/ursa-ml/ursa/amp"
	"github.com/ursa-ml/ursa/latent"
	"github.com/ursa-ml/ursa/logutil"
	"github.com/ursa-ml/ursa/model"
)

// SelectorOptions configure one selection stage.
type SelectorOptions struct {
	NS     int // candidates per example
	SP     int // candidates resident per round
	CodeBS int // examples per sub-batch

	MaskRatio float32
	Noise     latent.Noise
	Cast      amp.DType
	Threads   int

	// Seed drives candidate draws; 0 picks a random seed.
	Seed int64

	Logger *slog.Logger
	// Progress is called after every forward pass with the number of
	// completed and total passes.
	Progress func(done, total int)
}

// Selector evaluates candidate latents against a frozen model.
type Selector struct {
	model model.Model
	spec  *latent.Spec
	opts  SelectorOptions
	rng   *rand.Rand

	// candidate groups are re-drawn each round, the rest is persistent
	candidates []string
}

// NewSelector validates the configuration. sp > ns is clamped with a
// warning instead of failing.
func NewSelector(m model.Model, spec *latent.Spec, opts SelectorOptions) (*Selector, error) {
	if opts.NS < 1 || opts.SP < 1 || opts.CodeBS < 1 {
		return nil, fmt.Errorf("selector: ns=%d sp=%d code_bs=%d, want all positive", opts.NS, opts.SP, opts.CodeBS)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SP > opts.NS {
		opts.Logger.Warn("sp exceeds ns, clamping", "sp", opts.SP, "ns", opts.NS)
		opts.SP = opts.NS
	}
	if opts.NS%opts.SP != 0 {
		opts.Logger.Warn("ns not divisible by sp, trailing candidates dropped",
			"ns", opts.NS, "sp", opts.SP, "evaluated", (opts.NS/opts.SP)*opts.SP)
	}
	if opts.Seed == 0 {
		opts.Seed = rand.Int63()
	}

	s := &Selector{
		model: m,
		spec:  spec,
		opts:  opts,
		rng:   rand.New(rand.NewSource(opts.Seed)),
	}
	for _, name := range spec.Names() {
		if g, _ := spec.Get(name); g.BatchKey == latent.BatchKeyLatents {
			s.candidates = append(s.candidates, name)
		}
	}
	if len(s.candidates) == 0 {
		opts.Logger.Warn("latent spec has no candidate groups, selection reduces to a single evaluation")
	}
	return s, nil
}

// Rounds returns how many candidate rounds each sub-batch runs.
func (s *Selector) Rounds() int { return s.opts.NS / s.opts.SP }

// Select runs candidate selection over the examples in x and returns
// the derived dataset of frozen winners.
func (s *Selector) Select(ctx context.Context, x *tensor.Dense) (*Dataset, error) {
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("selector: images %v, want [B C H W]", shape)
	}
	b := shape[0]
	sp, cbs := s.opts.SP, s.opts.CodeBS
	rounds := s.Rounds()

	// Platzhalter-Gewinner plus persistentes Maskenrauschen
	winners, err := latent.Sample(s.spec, b, latent.SampleOptions{Noise: s.opts.Noise, Seed: s.rng.Int63()})
	if err != nil {
		return nil, err
	}
	best := make([]float32, b)
	for i := range best {
		best[i] = float32(math.Inf(1))
	}

	roundsPerBatch := rounds
	if len(s.candidates) == 0 {
		roundsPerBatch = 1
	}
	total := ((b + cbs - 1) / cbs) * roundsPerBatch
	done := 0

	imgData := x.Data().([]float32)
	exStride := shape[1] * shape[2] * shape[3]

	for c0 := 0; c0 < b; c0 += cbs {
		c1 := min(c0+cbs, b)
		cb := c1 - c0

		subX := tensor.New(
			tensor.WithShape(append([]int{cb}, shape[1:]...)...),
			tensor.WithBacking(imgData[c0*exStride:c1*exStride]),
		)

		// persistente Gruppen als Sichten auf die Gewinner-Zeilen
		zBase := make(latent.Dict)
		for _, name := range s.spec.Names() {
			g, _ := s.spec.Get(name)
			if g.BatchKey == latent.BatchKeyLatents {
				continue
			}
			stride := g.Numel()
			data := winners[name].Data().([]float32)
			zBase[name] = tensor.New(
				tensor.WithShape(append([]int{cb}, g.Shape...)...),
				tensor.WithBacking(data[c0*stride:c1*stride]),
			)
		}

		for r := 0; r < roundsPerBatch; r++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			z := make(latent.Dict, len(zBase)+len(s.candidates))
			for name, t := range zBase {
				z[name] = t
			}
			var cand latent.Dict
			if len(s.candidates) > 0 {
				cand, err = latent.Sample(s.spec, cb, latent.SampleOptions{
					Noise: s.opts.Noise,
					Seed:  s.rng.Int63(),
					Overrides: map[string]int{
						latent.BatchKeyLatents: cb * sp,
					},
				})
				if err != nil {
					return nil, err
				}
				for _, name := range s.candidates {
					z[name] = cand[name]
				}
			}

			out, err := s.model.Forward(subX, z, model.ForwardOptions{
				MaskRatio: s.opts.MaskRatio,
				Reduction: model.ReductionPerExample,
				Cast:      s.opts.Cast,
				Threads:   s.opts.Threads,
			})
			if err != nil {
				return nil, fmt.Errorf("selection forward: %w", err)
			}

			width := sp
			if len(s.candidates) == 0 {
				width = 1
			}
			if len(out.Losses) != cb*width {
				return nil, fmt.Errorf("selection forward: %d losses, want %d", len(out.Losses), cb*width)
			}

			// argmin je Beispiel; strikt-kleiner behaelt frueheren Fund
			for e := 0; e < cb; e++ {
				row := out.Losses[e*width : (e+1)*width]
				bestJ, bestV := -1, best[c0+e]
				for j, v := range row {
					if v < bestV {
						bestJ, bestV = j, v
					}
				}
				if bestJ < 0 {
					continue
				}
				best[c0+e] = bestV
				for _, name := range s.candidates {
					g, _ := s.spec.Get(name)
					n := g.Numel()
					src := cand[name].Data().([]float32)[(e*width+bestJ)*n : (e*width+bestJ+1)*n]
					dst := winners[name].Data().([]float32)[(c0+e)*n : (c0+e+1)*n]
					copy(dst, src)
				}
			}

			logutil.Trace("selection round", "examples", fmt.Sprintf("%d:%d", c0, c1), "round", r+1, "rounds", roundsPerBatch)

			done++
			if s.opts.Progress != nil {
				s.opts.Progress(done, total)
			}
		}
	}

	return &Dataset{X: x, Z: winners, Losses: best}, nil
}
