// spec.go - Latent-Spezifikation
//
// Dieses Modul enthaelt:
// - Group: Form einer Latent-Gruppe pro Beispiel plus optionalem Batch-Key
// - Spec: geordnete Menge benannter Latent-Gruppen
//
// Die Reihenfolge der Gruppen ist stabil (Einfuegereihenfolge), damit
// Sampling mit Seed und Checkpoint-Serialisierung deterministisch sind.
package latent

import (
	"fmt"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Batch-size override keys shared between models and the sampling side.
// Groups keyed BatchKeyLatents are re-drawn per candidate round; groups
// keyed BatchKeyMaskNoise stay fixed per example for a whole selection.
const (
	BatchKeyLatents   = "latents_bs"
	BatchKeyMaskNoise = "mask_noise_bs"
)

// Group describes one latent group: the per-example shape and an optional
// batch-size override key consulted by Sample (for example "latents_bs").
type Group struct {
	Shape    []int
	BatchKey string
}

// Numel returns the number of elements per example.
func (g Group) Numel() int {
	n := 1
	for _, d := range g.Shape {
		n *= d
	}
	return n
}

// Spec is an ordered mapping from group name to its shape descriptor.
// A model publishes the spec it consumes; samplers and checkpoints rely on
// the stable group order.
type Spec struct {
	groups *orderedmap.OrderedMap[string, Group]
}

func NewSpec() *Spec {
	return &Spec{groups: orderedmap.New[string, Group]()}
}

// Add registers a group. Re-adding a name replaces its descriptor in place.
func (s *Spec) Add(name string, g Group) *Spec {
	s.groups.Set(name, g)
	return s
}

// Get returns the descriptor for name.
func (s *Spec) Get(name string) (Group, bool) {
	return s.groups.Get(name)
}

// Names returns the group names in insertion order.
func (s *Spec) Names() []string {
	names := make([]string, 0, s.groups.Len())
	for pair := s.groups.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

func (s *Spec) Len() int {
	return s.groups.Len()
}

// Equal reports whether two specs have the same groups, shapes and order.
func (s *Spec) Equal(o *Spec) bool {
	if s.Len() != o.Len() {
		return false
	}
	a, b := s.groups.Oldest(), o.groups.Oldest()
	for a != nil {
		if a.Key != b.Key || a.Value.BatchKey != b.Value.BatchKey || !slices.Equal(a.Value.Shape, b.Value.Shape) {
			return false
		}
		a, b = a.Next(), b.Next()
	}
	return true
}

func (s *Spec) String() string {
	out := ""
	for pair := s.groups.Oldest(); pair != nil; pair = pair.Next() {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%s%v", pair.Key, pair.Value.Shape)
	}
	return out
}
