// dataset.go - Abgeleiteter Epochen-Datensatz
//
// Dieses Modul enthaelt:
// - Dataset: eingefrorene (Bild, Maskenrauschen, Gewinner-Latent)-Tripel
// - Loader: pro Pass frisch gemischte Minibatch-Indizes
//
// Der Datensatz ist nach der Auswahl unveraenderlich; das Training
// liest nur noch Zeilen daraus.
package imle

import (
	"fmt"
	"math/rand"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/stat"

	"github.com/ursa-ml/ursa/latent"
)

// Dataset holds one epoch's frozen winners. Row i of every tensor
// belongs to the same example.
type Dataset struct {
	X      *tensor.Dense // [E, C, H, W]
	Z      latent.Dict   // every group with leading dimension E
	Losses []float32     // winning loss per example
}

// Len returns the number of examples.
func (d *Dataset) Len() int {
	return d.X.Shape()[0]
}

// MeanLoss returns the average winning loss of the selection stage.
func (d *Dataset) MeanLoss() float64 {
	xs := make([]float64, len(d.Losses))
	for i, v := range d.Losses {
		xs[i] = float64(v)
	}
	return stat.Mean(xs, nil)
}

// Batch gathers the given rows into a fresh minibatch triple. The copy
// keeps the dataset immutable under concurrent passes.
func (d *Dataset) Batch(idx []int) (*tensor.Dense, latent.Dict, error) {
	n := d.Len()
	shape := d.X.Shape()
	exStride := 1
	for _, s := range shape[1:] {
		exStride *= s
	}

	imgData := d.X.Data().([]float32)
	x := make([]float32, len(idx)*exStride)
	for j, i := range idx {
		if i < 0 || i >= n {
			return nil, nil, fmt.Errorf("batch index %d out of range [0, %d)", i, n)
		}
		copy(x[j*exStride:(j+1)*exStride], imgData[i*exStride:(i+1)*exStride])
	}

	z := make(latent.Dict, len(d.Z))
	for name, t := range d.Z {
		ts := t.Shape()
		stride := 1
		for _, s := range ts[1:] {
			stride *= s
		}
		src := t.Data().([]float32)
		dst := make([]float32, len(idx)*stride)
		for j, i := range idx {
			copy(dst[j*stride:(j+1)*stride], src[i*stride:(i+1)*stride])
		}
		z[name] = tensor.New(
			tensor.WithShape(append([]int{len(idx)}, ts[1:]...)...),
			tensor.WithBacking(dst),
		)
	}

	xt := tensor.New(
		tensor.WithShape(append([]int{len(idx)}, shape[1:]...)...),
		tensor.WithBacking(x),
	)
	return xt, z, nil
}

// Loader deals shuffled minibatch index lists over a derived dataset.
type Loader struct {
	n      int
	miniBS int
	rng    *rand.Rand
}

// NewLoader creates a loader for minibatches of size miniBS.
func NewLoader(ds *Dataset, miniBS int, seed int64) (*Loader, error) {
	if miniBS < 1 {
		return nil, fmt.Errorf("minibatch size %d must be positive", miniBS)
	}
	return &Loader{n: ds.Len(), miniBS: miniBS, rng: rand.New(rand.NewSource(seed))}, nil
}

// BatchesPerPass returns ceil(examples / miniBS).
func (l *Loader) BatchesPerPass() int {
	return (l.n + l.miniBS - 1) / l.miniBS
}

// Pass returns one pass worth of minibatch index lists under a fresh
// shuffle. The last batch may be short.
func (l *Loader) Pass() [][]int {
	perm := l.rng.Perm(l.n)
	batches := make([][]int, 0, l.BatchesPerPass())
	for start := 0; start < l.n; start += l.miniBS {
		batches = append(batches, perm[start:min(start+l.miniBS, l.n)])
	}
	return batches
}
