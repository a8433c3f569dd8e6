// adain.go - Adaptive Instance Normalization
//
// Dieses Modul enthaelt:
// - AdaIN: kanalweise Modulation der Tokens aus einem Latent-Code
// - LocalAdaIN: patchweise Modulation (ein (mean,std)-Paar pro Patch)
//
// Beide Bloecke bilden den Code ueber ein pixel-normalisiertes
// Mapping-MLP auf (mean, std) ab und rechnen out = mean + tok*(1+std).
// Ein Latent-Batch der Groesse L moduliert einen Token-Batch der
// Groesse B mit L % B == 0; Replikat r gehoert zu Beispiel r/(L/B).
// IgnoreLatents ist ein expliziter Konstruktions-Parameter: der Block
// repliziert dann nur und ignoriert den Code vollstaendig.
package nn

import "math/rand"

const mappingLRMul = 0.01

// AdaIN modulates tokens per channel from a latent code.
type AdaIN struct {
	Dim           int // token channels
	CodeDim       int
	Mapping       *MLP // CodeDim -> CodeDim -> 2*Dim
	NormalizeZ    bool
	IgnoreLatents bool
}

// AdaINCache holds one forward call's intermediates for Backward.
type AdaINCache struct {
	mlp      *MLPCache
	std      []float32 // [L, 2*Dim] mapping output, (mean, std) pro Replikat
	tok      []float32
	b, l, nt int
}

func NewAdaIN(name string, dim, codeDim, depth int, ignoreLatents bool, rng *rand.Rand) *AdaIN {
	a := &AdaIN{
		Dim:           dim,
		CodeDim:       codeDim,
		NormalizeZ:    true,
		IgnoreLatents: ignoreLatents,
	}
	if !ignoreLatents {
		a.Mapping = NewMLP(name+".mapping", codeDim, codeDim, 2*dim, depth, LeakyReLU, true, sqrt2, mappingLRMul, rng)
	}
	return a
}

// Forward modulates tok ([b, nTok, Dim] flattened) with z ([l, CodeDim]) and
// returns [l, nTok, Dim] replicas.
func (a *AdaIN) Forward(tok []float32, b, nTok int, z []float32, l int) ([]float32, *AdaINCache) {
	cpe := l / b
	out := make([]float32, l*nTok*a.Dim)
	cache := &AdaINCache{tok: tok, b: b, l: l, nt: nTok}

	if a.IgnoreLatents {
		for r := range l {
			ex := r / cpe
			copy(out[r*nTok*a.Dim:(r+1)*nTok*a.Dim], tok[ex*nTok*a.Dim:(ex+1)*nTok*a.Dim])
		}
		return out, cache
	}

	zin := z
	if a.NormalizeZ {
		zin = PixelNormalize(z, l, a.CodeDim)
	}
	mz, mlpCache := a.Mapping.Forward(zin, l)
	cache.mlp = mlpCache
	cache.std = mz

	for r := range l {
		ex := r / cpe
		mean := mz[r*2*a.Dim : r*2*a.Dim+a.Dim]
		std := mz[r*2*a.Dim+a.Dim : (r+1)*2*a.Dim]
		for p := range nTok {
			tr := tok[(ex*nTok+p)*a.Dim : (ex*nTok+p+1)*a.Dim]
			or := out[(r*nTok+p)*a.Dim : (r*nTok+p+1)*a.Dim]
			for c, tv := range tr {
				or[c] = mean[c] + tv*(1+std[c])
			}
		}
	}
	return out, cache
}

// Backward accumulates mapping gradients and adds the token gradient into
// dtok ([b, nTok, Dim]). Latents receive no gradient.
func (a *AdaIN) Backward(cache *AdaINCache, dout, dtok []float32) {
	cpe := cache.l / cache.b

	if a.IgnoreLatents {
		for r := range cache.l {
			ex := r / cpe
			dr := dout[r*cache.nt*a.Dim : (r+1)*cache.nt*a.Dim]
			tr := dtok[ex*cache.nt*a.Dim : (ex+1)*cache.nt*a.Dim]
			for i, dv := range dr {
				tr[i] += dv
			}
		}
		return
	}

	dmz := make([]float32, cache.l*2*a.Dim)
	for r := range cache.l {
		ex := r / cpe
		std := cache.std[r*2*a.Dim+a.Dim : (r+1)*2*a.Dim]
		dmean := dmz[r*2*a.Dim : r*2*a.Dim+a.Dim]
		dstd := dmz[r*2*a.Dim+a.Dim : (r+1)*2*a.Dim]
		for p := range cache.nt {
			tr := cache.tok[(ex*cache.nt+p)*a.Dim : (ex*cache.nt+p+1)*a.Dim]
			dr := dout[(r*cache.nt+p)*a.Dim : (r*cache.nt+p+1)*a.Dim]
			dt := dtok[(ex*cache.nt+p)*a.Dim : (ex*cache.nt+p+1)*a.Dim]
			for c, dv := range dr {
				dt[c] += dv * (1 + std[c])
				dmean[c] += dv
				dstd[c] += dv * tr[c]
			}
		}
	}
	a.Mapping.Backward(cache.mlp, dmz, nil)
}

// Params returns the mapping parameters; empty when latents are ignored.
func (a *AdaIN) Params() []*Param {
	if a.Mapping == nil {
		return nil
	}
	return a.Mapping.Params()
}

// LocalAdaIN modulates tokens per patch: the mapping yields one (mean, std)
// pair per patch position, broadcast over channels.
type LocalAdaIN struct {
	Dim           int
	NumPatches    int
	CodeDim       int
	Mapping       *MLP // CodeDim -> CodeDim -> 2*NumPatches
	NormalizeZ    bool
	IgnoreLatents bool
}

type LocalAdaINCache struct {
	mlp      *MLPCache
	std      []float32 // [L, 2*NumPatches]
	tok      []float32
	b, l, nt int
}

func NewLocalAdaIN(name string, dim, numPatches, codeDim, depth int, ignoreLatents bool, rng *rand.Rand) *LocalAdaIN {
	a := &LocalAdaIN{
		Dim:           dim,
		NumPatches:    numPatches,
		CodeDim:       codeDim,
		NormalizeZ:    true,
		IgnoreLatents: ignoreLatents,
	}
	if !ignoreLatents {
		a.Mapping = NewMLP(name+".mapping", codeDim, codeDim, 2*numPatches, depth, LeakyReLU, true, sqrt2, mappingLRMul, rng)
	}
	return a
}

func (a *LocalAdaIN) Forward(tok []float32, b, nTok int, z []float32, l int) ([]float32, *LocalAdaINCache) {
	cpe := l / b
	out := make([]float32, l*nTok*a.Dim)
	cache := &LocalAdaINCache{tok: tok, b: b, l: l, nt: nTok}

	if a.IgnoreLatents {
		for r := range l {
			ex := r / cpe
			copy(out[r*nTok*a.Dim:(r+1)*nTok*a.Dim], tok[ex*nTok*a.Dim:(ex+1)*nTok*a.Dim])
		}
		return out, cache
	}

	zin := z
	if a.NormalizeZ {
		zin = PixelNormalize(z, l, a.CodeDim)
	}
	mz, mlpCache := a.Mapping.Forward(zin, l)
	cache.mlp = mlpCache
	cache.std = mz

	for r := range l {
		ex := r / cpe
		mean := mz[r*2*nTok : r*2*nTok+nTok]
		std := mz[r*2*nTok+nTok : (r+1)*2*nTok]
		for p := range nTok {
			tr := tok[(ex*nTok+p)*a.Dim : (ex*nTok+p+1)*a.Dim]
			or := out[(r*nTok+p)*a.Dim : (r*nTok+p+1)*a.Dim]
			for c, tv := range tr {
				or[c] = mean[p] + tv*(1+std[p])
			}
		}
	}
	return out, cache
}

func (a *LocalAdaIN) Backward(cache *LocalAdaINCache, dout, dtok []float32) {
	cpe := cache.l / cache.b

	if a.IgnoreLatents {
		for r := range cache.l {
			ex := r / cpe
			dr := dout[r*cache.nt*a.Dim : (r+1)*cache.nt*a.Dim]
			tr := dtok[ex*cache.nt*a.Dim : (ex+1)*cache.nt*a.Dim]
			for i, dv := range dr {
				tr[i] += dv
			}
		}
		return
	}

	nTok := cache.nt
	dmz := make([]float32, cache.l*2*nTok)
	for r := range cache.l {
		ex := r / cpe
		std := cache.std[r*2*nTok+nTok : (r+1)*2*nTok]
		dmean := dmz[r*2*nTok : r*2*nTok+nTok]
		dstd := dmz[r*2*nTok+nTok : (r+1)*2*nTok]
		for p := range nTok {
			tr := cache.tok[(ex*nTok+p)*a.Dim : (ex*nTok+p+1)*a.Dim]
			dr := dout[(r*nTok+p)*a.Dim : (r*nTok+p+1)*a.Dim]
			dt := dtok[(ex*nTok+p)*a.Dim : (ex*nTok+p+1)*a.Dim]
			for c, dv := range dr {
				dt[c] += dv * (1 + std[p])
				dmean[p] += dv
				dstd[p] += dv * tr[c]
			}
		}
	}
	a.Mapping.Backward(cache.mlp, dmz, nil)
}

func (a *LocalAdaIN) Params() []*Param {
	if a.Mapping == nil {
		return nil
	}
	return a.Mapping.Params()
}
