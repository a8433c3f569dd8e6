// amp_test.go - Tests fuer DType-Rundung und GradScaler
package amp

import (
	"errors"
	"math"
	"testing"
)

func TestRoundF16(t *testing.T) {
	xs := []float32{1, 1.0002, -3.14159, 0}
	Round(xs, F16)

	// 1.0002 liegt unterhalb der f16-Aufloesung bei 1.0
	if xs[0] != 1 || xs[1] != 1 {
		t.Errorf("f16 rounding = %v", xs[:2])
	}
	if xs[3] != 0 {
		t.Errorf("f16 rounding moved zero: %v", xs[3])
	}
	if math.Abs(float64(xs[2]+3.14159)) > 1e-2 {
		t.Errorf("f16 rounding too far off: %v", xs[2])
	}
}

func TestRoundBF16(t *testing.T) {
	xs := []float32{1.5, -2.25, 1e-3}
	Round(xs, BF16)

	// bf16 traegt nur 8 Mantissenbits
	if xs[0] != 1.5 || xs[1] != -2.25 {
		t.Errorf("bf16 rounding changed exact values: %v", xs[:2])
	}
	if math.Abs(float64(xs[2])-1e-3) > 1e-4 {
		t.Errorf("bf16 rounding too far off: %v", xs[2])
	}
}

func TestRoundF32NoOp(t *testing.T) {
	xs := []float32{1.0000001, -3.1415927}
	want := []float32{1.0000001, -3.1415927}
	Round(xs, F32)
	if xs[0] != want[0] || xs[1] != want[1] {
		t.Errorf("f32 rounding modified values: %v", xs)
	}
}

func TestParseDType(t *testing.T) {
	if d, err := ParseDType("bf16"); err != nil || d != BF16 {
		t.Errorf("ParseDType(bf16) = %v, %v", d, err)
	}
	if _, err := ParseDType("int4"); !errors.Is(err, ErrUnknownDType) {
		t.Errorf("ParseDType(int4) err = %v", err)
	}
}

func TestScalerOverflow(t *testing.T) {
	s := NewGradScaler(true)
	if s.Scale() != 65536 {
		t.Fatalf("initial scale = %v", s.Scale())
	}

	grads := []float32{1, float32(math.Inf(1))}
	if s.Unscale(grads) {
		t.Fatal("Unscale accepted infinite gradient")
	}
	s.Update(false)
	if s.Scale() != 32768 {
		t.Errorf("scale after overflow = %v, want 32768", s.Scale())
	}
}

func TestScalerUnscaleDivides(t *testing.T) {
	s := NewGradScaler(true)
	grads := []float32{65536, 2 * 65536}
	if !s.Unscale(grads) {
		t.Fatal("Unscale rejected finite gradients")
	}
	if grads[0] != 1 || grads[1] != 2 {
		t.Errorf("unscaled grads = %v", grads)
	}
}

func TestScalerGrowth(t *testing.T) {
	s := NewGradScaler(true)
	for range growthInterval {
		if !s.Unscale([]float32{1}) {
			t.Fatal("finite grad rejected")
		}
		s.Update(true)
	}
	if s.Scale() != 2*65536 {
		t.Errorf("scale after growth interval = %v, want %v", s.Scale(), 2*65536)
	}
}

func TestScalerDisabled(t *testing.T) {
	s := NewGradScaler(false)
	if s.Scale() != 1 {
		t.Fatalf("disabled scaler scale = %v", s.Scale())
	}
	s.Update(false)
	if s.Scale() != 1 {
		t.Errorf("disabled scaler changed scale: %v", s.Scale())
	}

	grads := []float32{float32(math.NaN())}
	if s.Unscale(grads) {
		t.Error("disabled scaler accepted NaN gradient")
	}
}
