// subset.go - Index-Auswahl fuer Validierung
//
// Dieses Modul enthaelt:
// - Linspace: gleichmaessig verteilte Beispiel-Indizes fuer Raster
// - RandomSubset: Ziehen ohne Zuruecklegen fuer Loss-Schaetzung
package data

import (
	"math"
	"math/rand"
	"slices"
)

// Linspace picks n evenly spaced indices from [0, total), always
// including the first and last example. n >= total returns all indices.
func Linspace(n, total int) []int {
	if total <= 0 || n <= 0 {
		return nil
	}
	if n >= total {
		idx := make([]int, total)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	if n == 1 {
		return []int{0}
	}

	idx := make([]int, n)
	step := float64(total-1) / float64(n-1)
	for i := range idx {
		idx[i] = int(math.Round(float64(i) * step))
	}
	return idx
}

// RandomSubset draws min(n, total) distinct indices without
// replacement and returns them sorted.
func RandomSubset(rng *rand.Rand, n, total int) []int {
	if total <= 0 || n <= 0 {
		return nil
	}
	if n > total {
		n = total
	}
	idx := rng.Perm(total)[:n]
	slices.Sort(idx)
	return idx
}
