// latent_test.go - Tests fuer Spec und Sampling
package latent

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testSpec() *Spec {
	s := NewSpec()
	s.Add("mask_noise", Group{Shape: []int{16}, BatchKey: "mask_noise_bs"})
	s.Add("latents", Group{Shape: []int{8}, BatchKey: "latents_bs"})
	return s
}

func TestSpecOrder(t *testing.T) {
	s := testSpec()
	want := []string{"mask_noise", "latents"}
	if diff := cmp.Diff(want, s.Names()); diff != "" {
		t.Errorf("group order mismatch (-want +got):\n%s", diff)
	}

	if !s.Equal(testSpec()) {
		t.Error("identical specs reported unequal")
	}

	other := NewSpec()
	other.Add("latents", Group{Shape: []int{8}, BatchKey: "latents_bs"})
	other.Add("mask_noise", Group{Shape: []int{16}, BatchKey: "mask_noise_bs"})
	if s.Equal(other) {
		t.Error("specs with different order reported equal")
	}
}

func TestSampleShapes(t *testing.T) {
	dict, err := Sample(testSpec(), 4, SampleOptions{Noise: Gaussian})
	if err != nil {
		t.Fatal(err)
	}

	if got := dict["mask_noise"].Shape(); !slices.Equal(got, []int{4, 16}) {
		t.Errorf("mask_noise shape = %v, want [4 16]", got)
	}
	if got := dict["latents"].Shape(); !slices.Equal(got, []int{4, 8}) {
		t.Errorf("latents shape = %v, want [4 8]", got)
	}
}

func TestSampleOverrides(t *testing.T) {
	dict, err := Sample(testSpec(), 2, SampleOptions{
		Noise:     Gaussian,
		Overrides: map[string]int{"latents_bs": 2 * 64},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := dict.Rows("mask_noise"); got != 2 {
		t.Errorf("mask_noise rows = %d, want 2", got)
	}
	if got := dict.Rows("latents"); got != 128 {
		t.Errorf("latents rows = %d, want 128", got)
	}
}

func TestSampleSeeded(t *testing.T) {
	a, err := Sample(testSpec(), 3, SampleOptions{Noise: Gaussian, Seed: 9})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Sample(testSpec(), 3, SampleOptions{Noise: Gaussian, Seed: 9})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(a["latents"].Data(), b["latents"].Data()); diff != "" {
		t.Errorf("same seed produced different latents:\n%s", diff)
	}

	c, err := Sample(testSpec(), 3, SampleOptions{Noise: Gaussian, Seed: 10})
	if err != nil {
		t.Fatal(err)
	}
	if cmp.Equal(a["latents"].Data(), c["latents"].Data()) {
		t.Error("different seeds produced identical latents")
	}
}

func TestSampleZeros(t *testing.T) {
	dict, err := Sample(testSpec(), 2, SampleOptions{Noise: Zeros})
	if err != nil {
		t.Fatal(err)
	}

	for _, v := range dict["latents"].Data().([]float32) {
		if v != 0 {
			t.Fatalf("zeros noise produced %v", v)
		}
	}
}

func TestParseNoise(t *testing.T) {
	if n, err := ParseNoise("gaussian"); err != nil || n != Gaussian {
		t.Errorf("ParseNoise(gaussian) = %v, %v", n, err)
	}
	if n, err := ParseNoise("zeros"); err != nil || n != Zeros {
		t.Errorf("ParseNoise(zeros) = %v, %v", n, err)
	}
	if _, err := ParseNoise("perlin"); !errors.Is(err, ErrUnknownNoise) {
		t.Errorf("ParseNoise(perlin) err = %v, want ErrUnknownNoise", err)
	}
}
