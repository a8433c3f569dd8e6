// loader.go - Paralleles Batch-Laden
//
// Dieses Modul enthaelt:
// - Gather: laedt eine Index-Liste mit Worker-Limit und packt sie
//   als [B, 3, S, S]-Tensor
//
// Die Worker schreiben in disjunkte Tensor-Abschnitte; ein Fehler
// bricht den ganzen Batch ab.
package data

import (
	"fmt"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"
)

// Gather loads the given examples concurrently, at most workers at a
// time, and returns them stacked in index order.
func Gather(ds Dataset, idx []int, workers int) (*tensor.Dense, error) {
	if len(idx) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	s := ds.InputSize()
	stride := 3 * s * s
	out := make([]float32, len(idx)*stride)

	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for j, i := range idx {
		g.Go(func() error {
			if i < 0 || i >= ds.Len() {
				return fmt.Errorf("example %d out of range [0, %d)", i, ds.Len())
			}
			x, err := ds.Example(i)
			if err != nil {
				return fmt.Errorf("example %d: %w", i, err)
			}
			if len(x) != stride {
				return fmt.Errorf("example %d: got %d values, want %d", i, len(x), stride)
			}
			copy(out[j*stride:(j+1)*stride], x)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return tensor.New(tensor.WithShape(len(idx), 3, s, s), tensor.WithBacking(out)), nil
}
