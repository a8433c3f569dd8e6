package validate

import (
	"context"
	"testing"

	"github.com/ursa-ml/ursa/latent"
	"github.com/ursa-ml/ursa/model"
	"github.com/ursa-ml/ursa/model/models/patchae"
	"github.com/ursa-ml/ursa/nn"
)

// memDataset serves deterministic synthetic examples.
type memDataset struct {
	n, size int
}

func (d *memDataset) Len() int       { return d.n }
func (d *memDataset) InputSize() int { return d.size }

func (d *memDataset) Example(i int) ([]float32, error) {
	v := make([]float32, 3*d.size*d.size)
	for j := range v {
		v[j] = float32((i*31+j)%13)/13*2 - 1
	}
	return v, nil
}

func testModel(t *testing.T, vspec []string) (model.Model, *latent.Spec) {
	t.Helper()
	m, err := patchae.New(
		model.Config{InputSize: 16, VSpec: vspec, Seed: 3},
		patchae.Options{PatchSize: 8, EmbedDim: 8, CodeDim: 8, MapDepth: 1, Act: nn.GELU},
	)
	if err != nil {
		t.Fatal(err)
	}
	spec, err := m.LatentSpec(0.75, 16)
	if err != nil {
		t.Fatal(err)
	}
	return m, spec
}

func testRunOptions(seed int64) Options {
	return Options{
		MaskRatio:  0.75,
		Noise:      latent.Gaussian,
		CodeBS:     3,
		ZPerEx:     2,
		NumTr:      2,
		NumTe:      3,
		SubsetSize: 4,
		Workers:    2,
		Threads:    1,
		Seed:       seed,
	}
}

func TestRunProducesLossAndGrids(t *testing.T) {
	m, spec := testModel(t, []string{"0_adain"})
	tr := &memDataset{n: 8, size: 16}
	te := &memDataset{n: 10, size: 16}

	var calls int
	opts := testRunOptions(7)
	opts.Progress = func(done, total int) {
		calls++
		if done > total {
			t.Errorf("progress %d/%d out of range", done, total)
		}
	}

	res, err := Run(context.Background(), m, spec, tr, te, opts)
	if err != nil {
		t.Fatal(err)
	}

	if res.TestLoss <= 0 {
		t.Errorf("held-out loss = %g, want positive", res.TestLoss)
	}
	if calls == 0 {
		t.Error("progress callback never called")
	}

	// One original column plus z_per_ex reconstructions, 2px padding.
	wantW := 3*(16+2) + 2
	if got := res.TrainGrid.Bounds().Dx(); got != wantW {
		t.Errorf("train grid width = %d, want %d", got, wantW)
	}
	wantH := 2*(16+2) + 2
	if got := res.TrainGrid.Bounds().Dy(); got != wantH {
		t.Errorf("train grid height = %d, want %d", got, wantH)
	}
	if got := res.TestGrid.Bounds().Dy(); got != 3*(16+2)+2 {
		t.Errorf("test grid height = %d, want %d", got, 3*(16+2)+2)
	}
}

func TestRunDeterministicSeed(t *testing.T) {
	m, spec := testModel(t, []string{"0_adain"})
	tr := &memDataset{n: 8, size: 16}
	te := &memDataset{n: 10, size: 16}

	a, err := Run(context.Background(), m, spec, tr, te, testRunOptions(11))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Run(context.Background(), m, spec, tr, te, testRunOptions(11))
	if err != nil {
		t.Fatal(err)
	}
	if a.TestLoss != b.TestLoss {
		t.Errorf("same seed gave losses %g and %g", a.TestLoss, b.TestLoss)
	}
}

// Without variational stages every reconstruction of an example is the
// same, so the grid collapses to one reconstruction per example.
func TestRunForcesSingleReconstruction(t *testing.T) {
	m, spec := testModel(t, nil)
	tr := &memDataset{n: 6, size: 16}
	te := &memDataset{n: 6, size: 16}

	opts := testRunOptions(5)
	opts.ZPerEx = 5

	res, err := Run(context.Background(), m, spec, tr, te, opts)
	if err != nil {
		t.Fatal(err)
	}
	wantW := 2*(16+2) + 2
	if got := res.TrainGrid.Bounds().Dx(); got != wantW {
		t.Errorf("train grid width = %d, want %d (one reconstruction)", got, wantW)
	}
}

func TestRunSmallHeldOutSet(t *testing.T) {
	m, spec := testModel(t, []string{"0_adain"})
	tr := &memDataset{n: 4, size: 16}
	te := &memDataset{n: 2, size: 16} // smaller than the subset size

	opts := testRunOptions(3)
	opts.SubsetSize = 512
	opts.NumTr = 2
	opts.NumTe = 2

	if _, err := Run(context.Background(), m, spec, tr, te, opts); err != nil {
		t.Fatal(err)
	}
}

func TestRunCancelled(t *testing.T) {
	m, spec := testModel(t, []string{"0_adain"})
	ds := &memDataset{n: 8, size: 16}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, m, spec, ds, ds, testRunOptions(1)); err == nil {
		t.Error("cancelled context accepted")
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	m, spec := testModel(t, []string{"0_adain"})
	ds := &memDataset{n: 4, size: 16}

	opts := testRunOptions(1)
	opts.CodeBS = 0
	if _, err := Run(context.Background(), m, spec, ds, ds, opts); err == nil {
		t.Error("zero code_bs accepted")
	}
}
