// Package model - Modell-Kontrakt und Architektur-Registry
//
// Dieses Paket definiert das Model-Interface fuer maskierte Autoencoder
// mit Latent-Injektion und verwaltet die registrierten Architekturen.
//
// Hauptkomponenten:
// - Model: Interface für alle Modell-Architekturen
// - ForwardOptions/BackwardOptions/Output: Aufruf-Kontrakt
// - New: Erstellt neue Model-Instanzen
// - Register: Registriert Modell-Konstruktoren
//
// Ein Latent-Batch der Groesse k*B ordnet Replikat r dem Beispiel r/k zu
// (zusammenhaengende Bloecke pro Beispiel); die Mask-Noise-Gruppe hat
// immer B Zeilen.
package model

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/agnivade/levenshtein"
	"github.com/pdevine/tensor"

	"github.com/ursa-ml/ursa/amp"
	"github.com/ursa-ml/ursa/latent"
	"github.com/ursa-ml/ursa/nn"
)

// ErrUnknownArch meldet einen Architektur-Namen ohne registrierte Factory
var ErrUnknownArch = errors.New("unknown architecture")

// Reduction selects how per-replica losses are aggregated.
type Reduction int

const (
	// ReductionMean returns the scalar mean over all replicas.
	ReductionMean Reduction = iota
	// ReductionPerExample returns one loss per replica, example-major.
	ReductionPerExample
)

// ForwardOptions parameterize one inference pass.
type ForwardOptions struct {
	MaskRatio float32
	Reduction Reduction
	// ReturnAll additionally fills Output.Pred and Output.Mask.
	ReturnAll bool
	// Cast rounds activations to this precision after each stage.
	Cast amp.DType
	// Threads bounds row-parallel compute; <= 1 runs serially.
	Threads int
}

// BackwardOptions parameterize one training pass.
type BackwardOptions struct {
	MaskRatio float32
	Cast      amp.DType
	// LossScale pre-multiplies the gradient seed (dynamic loss scaling).
	LossScale float32
}

// Output carries the results of a forward pass.
type Output struct {
	Loss   float32
	Losses []float32     // ReductionPerExample only
	Pred   *tensor.Dense // ReturnAll only: [replicas, C, H, W]
	Mask   *tensor.Dense // ReturnAll only: [examples, patches], 1 = masked
}

// Model definiert das Interface für spezifische Modell-Architekturen
type Model interface {
	// LatentSpec returns the latent groups this model consumes.
	LatentSpec(maskRatio float32, inputSize int) (*latent.Spec, error)

	// Forward evaluates reconstruction loss; parameters stay untouched.
	Forward(x *tensor.Dense, z latent.Dict, opts ForwardOptions) (*Output, error)

	// Backward runs forward plus backprop, accumulating scaled gradients
	// into Parameters. It requires exactly one latent per example and
	// returns the unscaled mean loss.
	Backward(x *tensor.Dense, z latent.Dict, opts BackwardOptions) (float32, error)

	// Parameters returns all trainable parameters.
	Parameters() []*nn.Param

	// KWArgs returns the keyword mapping that reconstructs this
	// architecture; VSpec returns the variational-stage mapping.
	// Together they are the checkpoint's architecture record.
	KWArgs() map[string]any
	VSpec() []Stage
}

// Config wird den Architektur-Factories uebergeben
type Config struct {
	InputSize int
	VSpec     []string
	Seed      int64
}

// archs speichert registrierte Modell-Konstruktoren
var archs = make(map[string]func(Config) (Model, error))

// Register registriert einen Modell-Konstruktor für eine Architektur
func Register(name string, f func(Config) (Model, error)) {
	if _, ok := archs[name]; ok {
		panic("model: architecture already registered: " + name)
	}

	archs[name] = f
}

// Architectures gibt die registrierten Namen sortiert zurueck
func Architectures() []string {
	names := make([]string, 0, len(archs))
	for name := range archs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New initialisiert eine neue Model-Instanz fuer den Architektur-Namen.
// Unbekannte Namen liefern ErrUnknownArch mit dem aehnlichsten
// registrierten Namen als Vorschlag.
func New(name string, c Config) (Model, error) {
	f, ok := archs[name]
	if !ok {
		suggestion, score := "", math.MaxInt
		for candidate := range archs {
			if d := levenshtein.ComputeDistance(name, candidate); d < score {
				suggestion, score = candidate, d
			}
		}
		if suggestion != "" {
			return nil, fmt.Errorf("%w: %q (closest match %q)", ErrUnknownArch, name, suggestion)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownArch, name)
	}

	return f(c)
}

// NumParams gibt die Gesamtzahl trainierbarer Parameter zurueck
func NumParams(m Model) uint64 {
	var n uint64
	for _, p := range m.Parameters() {
		n += uint64(p.Numel())
	}
	return n
}

// ParamsByName indexes a model's parameters by name for weight loading.
func ParamsByName(m Model) map[string]*nn.Param {
	byName := make(map[string]*nn.Param)
	for _, p := range m.Parameters() {
		byName[p.Name] = p
	}
	return byName
}
