package patchae

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pdevine/tensor"

	"github.com/ursa-ml/ursa/latent"
	"github.com/ursa-ml/ursa/model"
	"github.com/ursa-ml/ursa/nn"
)

func testModel(t *testing.T, vspec []string) *Model {
	t.Helper()
	m, err := New(model.Config{InputSize: 8, VSpec: vspec, Seed: 1}, Options{
		PatchSize: 4, EmbedDim: 8, CodeDim: 6, MapDepth: 1, Act: nn.GELU,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testBatch(t *testing.T, m *Model, b, cpe int, seed int64) (*tensor.Dense, latent.Dict) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	img := make([]float32, b*3*8*8)
	for i := range img {
		img[i] = float32(rng.NormFloat64())
	}
	x := tensor.New(tensor.WithShape(b, 3, 8, 8), tensor.WithBacking(img))

	spec, err := m.LatentSpec(0.5, 8)
	if err != nil {
		t.Fatal(err)
	}
	z, err := latent.Sample(spec, b, latent.SampleOptions{
		Noise: latent.Gaussian,
		Seed:  seed + 1,
		Overrides: map[string]int{
			"latents_bs": b * cpe,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return x, z
}

func TestLatentSpec(t *testing.T) {
	m := testModel(t, []string{"0_adain", "1_local_adain"})
	spec, err := m.LatentSpec(0.75, 8)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"mask_noise", "latents"}, spec.Names()); diff != "" {
		t.Errorf("group order (-want +got):\n%s", diff)
	}

	noise, _ := spec.Get("mask_noise")
	if diff := cmp.Diff(latent.Group{Shape: []int{4}, BatchKey: "mask_noise_bs"}, noise); diff != "" {
		t.Errorf("mask_noise (-want +got):\n%s", diff)
	}
	lat, _ := spec.Get("latents")
	if diff := cmp.Diff(latent.Group{Shape: []int{2, 6}, BatchKey: "latents_bs"}, lat); diff != "" {
		t.Errorf("latents (-want +got):\n%s", diff)
	}
}

func TestLatentSpecNoStages(t *testing.T) {
	m := testModel(t, nil)
	spec, err := m.LatentSpec(0.5, 8)
	if err != nil {
		t.Fatal(err)
	}
	if got := spec.Names(); len(got) != 1 || got[0] != "mask_noise" {
		t.Errorf("groups = %v, want only mask_noise", got)
	}
}

func TestLatentSpecErrors(t *testing.T) {
	m := testModel(t, []string{"0_adain"})
	if _, err := m.LatentSpec(0.5, 16); err == nil {
		t.Error("expected error for mismatched input size")
	}
	if _, err := m.LatentSpec(0, 8); err == nil {
		t.Error("expected error when nothing is masked")
	}
}

func TestStageOutOfRange(t *testing.T) {
	_, err := New(model.Config{InputSize: 8, VSpec: []string{"2_adain"}, Seed: 1}, Options{
		PatchSize: 4, EmbedDim: 8, CodeDim: 6, MapDepth: 1, Act: nn.GELU,
	})
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Fatalf("err = %v, want stage out of range", err)
	}
}

// Masking keeps the patches with the lowest noise and is a pure function
// of the noise vector.
func TestMaskFromNoise(t *testing.T) {
	m := testModel(t, nil)

	img := make([]float32, 3*8*8)
	x := tensor.New(tensor.WithShape(1, 3, 8, 8), tensor.WithBacking(img))
	z := latent.Dict{
		"mask_noise": tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]float32{0.9, 0.1, 0.5, 0.3})),
	}

	out, err := m.Forward(x, z, model.ForwardOptions{MaskRatio: 0.5, ReturnAll: true})
	if err != nil {
		t.Fatal(err)
	}

	// keep = int(4*0.5) = 2 lowest-noise patches (1 and 3)
	want := []float32{1, 0, 1, 0}
	if diff := cmp.Diff(want, out.Mask.Data().([]float32)); diff != "" {
		t.Errorf("mask (-want +got):\n%s", diff)
	}
}

// Replica r of a latent batch of size k*B belongs to example r/k: the
// full batch must reproduce the per-example runs row for row.
func TestReplicaProvenance(t *testing.T) {
	m := testModel(t, []string{"0_adain", "1_local_adain"})
	b, cpe := 2, 2
	x, z := testBatch(t, m, b, cpe, 42)

	full, err := m.Forward(x, z, model.ForwardOptions{MaskRatio: 0.5, Reduction: model.ReductionPerExample})
	if err != nil {
		t.Fatal(err)
	}
	if len(full.Losses) != b*cpe {
		t.Fatalf("len(Losses) = %d, want %d", len(full.Losses), b*cpe)
	}

	img := x.Data().([]float32)
	noise := z["mask_noise"].Data().([]float32)
	lat := z["latents"].Data().([]float32)
	for e := range b {
		xe := tensor.New(tensor.WithShape(1, 3, 8, 8), tensor.WithBacking(img[e*3*8*8:(e+1)*3*8*8]))
		ze := latent.Dict{
			"mask_noise": tensor.New(tensor.WithShape(1, 4), tensor.WithBacking(noise[e*4:(e+1)*4])),
			"latents":    tensor.New(tensor.WithShape(cpe, 2, 6), tensor.WithBacking(lat[e*cpe*2*6:(e+1)*cpe*2*6])),
		}
		out, err := m.Forward(xe, ze, model.ForwardOptions{MaskRatio: 0.5, Reduction: model.ReductionPerExample})
		if err != nil {
			t.Fatal(err)
		}
		for r := range cpe {
			if got, want := full.Losses[e*cpe+r], out.Losses[r]; got != want {
				t.Errorf("losses[%d] = %v, want %v (example %d replica %d)", e*cpe+r, got, want, e, r)
			}
		}
	}
}

func TestForwardThreadsAgree(t *testing.T) {
	m := testModel(t, []string{"0_adain"})
	x, z := testBatch(t, m, 4, 2, 7)

	one, err := m.Forward(x, z, model.ForwardOptions{MaskRatio: 0.5, Reduction: model.ReductionPerExample, Threads: 1})
	if err != nil {
		t.Fatal(err)
	}
	four, err := m.Forward(x, z, model.ForwardOptions{MaskRatio: 0.5, Reduction: model.ReductionPerExample, Threads: 4})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(one.Losses, four.Losses); diff != "" {
		t.Errorf("losses diverge across thread counts (-one +four):\n%s", diff)
	}
}

func TestBackwardReducesLoss(t *testing.T) {
	m := testModel(t, []string{"0_adain", "1_local_adain"})
	x, z := testBatch(t, m, 2, 1, 3)

	params := m.Parameters()
	var first, last float32
	for step := range 60 {
		for _, p := range params {
			p.ZeroGrad()
		}
		loss, err := m.Backward(x, z, model.BackwardOptions{MaskRatio: 0.5})
		if err != nil {
			t.Fatal(err)
		}
		if math.IsNaN(float64(loss)) {
			t.Fatalf("loss is NaN at step %d", step)
		}
		if step == 0 {
			first = loss
		}
		last = loss
		for _, p := range params {
			for i, g := range p.Grad {
				p.Data[i] -= 0.005 * g
			}
		}
	}
	if last >= first {
		t.Errorf("loss did not decrease: first %v, last %v", first, last)
	}
}

func TestBackwardLossMatchesForward(t *testing.T) {
	m := testModel(t, []string{"1_local_adain"})
	x, z := testBatch(t, m, 2, 1, 9)

	fwd, err := m.Forward(x, z, model.ForwardOptions{MaskRatio: 0.5, Threads: 1})
	if err != nil {
		t.Fatal(err)
	}
	loss, err := m.Backward(x, z, model.BackwardOptions{MaskRatio: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if loss != fwd.Loss {
		t.Errorf("backward loss %v != forward loss %v", loss, fwd.Loss)
	}
}

// The loss scale multiplies gradients but not the reported loss.
func TestBackwardLossScale(t *testing.T) {
	m := testModel(t, []string{"0_adain"})
	x, z := testBatch(t, m, 2, 1, 11)
	p := m.Parameters()[0]

	if _, err := m.Backward(x, z, model.BackwardOptions{MaskRatio: 0.5, LossScale: 1}); err != nil {
		t.Fatal(err)
	}
	base := make([]float32, len(p.Grad))
	copy(base, p.Grad)

	for _, q := range m.Parameters() {
		q.ZeroGrad()
	}
	if _, err := m.Backward(x, z, model.BackwardOptions{MaskRatio: 0.5, LossScale: 4}); err != nil {
		t.Fatal(err)
	}

	for i := range base {
		want := base[i] * 4
		tol := 1e-4 * (1 + float64(math.Abs(float64(want))))
		if math.Abs(float64(p.Grad[i]-want)) > tol {
			t.Fatalf("grad[%d] = %v, want %v (4x)", i, p.Grad[i], want)
		}
	}
}

func TestBackwardRejectsReplicas(t *testing.T) {
	m := testModel(t, []string{"0_adain"})
	x, z := testBatch(t, m, 2, 4, 5)

	_, err := m.Backward(x, z, model.BackwardOptions{MaskRatio: 0.5})
	if err == nil || !strings.Contains(err.Error(), "one latent per example") {
		t.Fatalf("err = %v, want one-latent-per-example error", err)
	}
}

func TestUnpatchifyRoundTrip(t *testing.T) {
	m := testModel(t, nil)
	rng := rand.New(rand.NewSource(1))
	img := make([]float32, 2*3*8*8)
	for i := range img {
		img[i] = float32(rng.NormFloat64())
	}
	got := m.unpatchify(m.patchify(img, 2), 2)
	if diff := cmp.Diff(img, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}
