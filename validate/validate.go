// validate.go - Validierung eines Modells
//
// Dieses Modul enthaelt:
// - Run: Held-out-Loss ueber eine zufaellige Teilmenge plus zwei
//   Rekonstruktionsraster (Trainings- und Held-out-Beispiele)
// - reconstruct: Loss und Rasterkacheln fuer eine feste Indexmenge
//
// Run veraendert weder Modell noch Dateisystem; Bilder und Metriken
// persistiert der Aufrufer.
package validate

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"github.com/ursa-ml/ursa/amp"
	"github.com/ursa-ml/ursa/data"
	"github.com/ursa-ml/ursa/latent"
	"github.com/ursa-ml/ursa/model"
	"github.com/ursa-ml/ursa/vision"
)

// Options configure one validation pass.
type Options struct {
	MaskRatio float32
	Noise     latent.Noise
	Cast      amp.DType
	CodeBS    int

	// ZPerEx reconstructions per grid example; without candidate groups
	// in the latent spec it is forced to one.
	ZPerEx int
	// NumTr and NumTe are the evenly spaced example counts of the two
	// grids.
	NumTr int
	NumTe int
	// SubsetSize bounds the random held-out subset the loss averages
	// over.
	SubsetSize int

	Workers int
	Threads int

	// Seed drives subset choice and latent draws; 0 picks a random seed.
	Seed int64

	Logger *slog.Logger
	// Progress is called after every forward pass with the number of
	// completed and total passes.
	Progress func(done, total int)
}

// Result carries one validation pass.
type Result struct {
	// TestLoss is the reconstruction loss averaged over the held-out
	// subset.
	TestLoss float64
	// TrainGrid and TestGrid hold one row per example: the original
	// followed by ZPerEx reconstructions.
	TrainGrid *image.RGBA
	TestGrid  *image.RGBA
}

// Run reconstructs held-out and training examples with a frozen model.
func Run(ctx context.Context, m model.Model, spec *latent.Spec, tr, te data.Dataset, opts Options) (*Result, error) {
	if opts.CodeBS < 1 {
		return nil, fmt.Errorf("validate: code_bs is %d, want at least 1", opts.CodeBS)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SubsetSize < 1 {
		opts.SubsetSize = 512
	}
	if opts.NumTr < 1 {
		opts.NumTr = 8
	}
	if opts.NumTe < 1 {
		opts.NumTe = 8
	}
	if opts.ZPerEx < 1 {
		opts.ZPerEx = 1
	}
	if opts.Seed == 0 {
		opts.Seed = rand.Int63()
	}

	// Ohne Kandidatengruppen ist jede Rekonstruktion identisch
	var hasCandidates bool
	for _, name := range spec.Names() {
		if g, _ := spec.Get(name); g.BatchKey == latent.BatchKeyLatents {
			hasCandidates = true
			break
		}
	}
	if !hasCandidates && opts.ZPerEx > 1 {
		opts.Logger.Warn("latent spec has no candidate groups, one reconstruction per example", "z_per_ex", opts.ZPerEx)
		opts.ZPerEx = 1
	}

	rng := rand.New(rand.NewSource(opts.Seed))

	subset := data.RandomSubset(rng, min(opts.SubsetSize, te.Len()), te.Len())
	loss, _, err := reconstruct(ctx, m, spec, te, subset, false, rng, opts)
	if err != nil {
		return nil, fmt.Errorf("held-out loss: %w", err)
	}

	_, trGrid, err := reconstruct(ctx, m, spec, tr, data.Linspace(opts.NumTr, tr.Len()), true, rng, opts)
	if err != nil {
		return nil, fmt.Errorf("train grid: %w", err)
	}
	_, teGrid, err := reconstruct(ctx, m, spec, te, data.Linspace(opts.NumTe, te.Len()), true, rng, opts)
	if err != nil {
		return nil, fmt.Errorf("test grid: %w", err)
	}

	return &Result{TestLoss: loss, TrainGrid: trGrid, TestGrid: teGrid}, nil
}

// reconstruct runs the model over rows in code_bs chunks and returns the
// example-weighted mean loss. With wantGrid it additionally packs every
// row as [original, recon_1 .. recon_z] tiles into one grid.
func reconstruct(ctx context.Context, m model.Model, spec *latent.Spec, ds data.Dataset, rows []int, wantGrid bool, rng *rand.Rand, opts Options) (float64, *image.RGBA, error) {
	s := ds.InputSize()
	exSize := 3 * s * s

	// Nur die Raster brauchen mehrere Ziehungen pro Beispiel
	z := 1
	if wantGrid {
		z = opts.ZPerEx
	}

	var losses, weights []float64
	var tiles []float32
	if wantGrid {
		tiles = make([]float32, 0, len(rows)*(1+z)*exSize)
	}

	done := 0
	total := (len(rows) + opts.CodeBS - 1) / opts.CodeBS
	for start := 0; start < len(rows); start += opts.CodeBS {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}

		chunk := rows[start:min(start+opts.CodeBS, len(rows))]
		b := len(chunk)

		x, err := data.Gather(ds, chunk, opts.Workers)
		if err != nil {
			return 0, nil, err
		}

		zd, err := latent.Sample(spec, b, latent.SampleOptions{
			Noise: opts.Noise,
			Seed:  rng.Int63() | 1,
			Overrides: map[string]int{
				latent.BatchKeyMaskNoise: b,
				latent.BatchKeyLatents:   b * z,
			},
		})
		if err != nil {
			return 0, nil, err
		}

		out, err := m.Forward(x, zd, model.ForwardOptions{
			MaskRatio: opts.MaskRatio,
			Cast:      opts.Cast,
			Threads:   opts.Threads,
			ReturnAll: wantGrid,
		})
		if err != nil {
			return 0, nil, err
		}

		losses = append(losses, float64(out.Loss))
		weights = append(weights, float64(b))

		if wantGrid {
			img := x.Data().([]float32)
			pred := out.Pred.Data().([]float32)
			for e := range b {
				tiles = append(tiles, img[e*exSize:(e+1)*exSize]...)
				tiles = append(tiles, pred[e*z*exSize:(e+1)*z*exSize]...)
			}
		}

		done++
		if opts.Progress != nil {
			opts.Progress(done, total)
		}
	}

	loss := stat.Mean(losses, weights)
	if !wantGrid {
		return loss, nil, nil
	}

	grid, err := vision.Grid(tiles, len(rows)*(1+z), s, s, 1+z,
		vision.ImageNetStandardMean, vision.ImageNetStandardStd)
	if err != nil {
		return 0, nil, err
	}
	return loss, grid, nil
}
