// Package patchae - Maskierter Patch-Autoencoder mit Latent-Injektion
//
// Dieses Paket implementiert die Referenz-Architekturen "base" und
// "large": Patchify, Equalized-Linear-Encoder, bis zu zwei
// Injektions-Stages (AdaIN kanalweise, LocalAdaIN patchweise),
// Mask-Token-Ersetzung, globaler Mittelwert-Kontext, Affine und
// Linear-Decoder. Der Loss ist der mittlere Patch-MSE ausschliesslich
// ueber maskierte Patches.
//
// Maskierung: pro Beispiel wird der Mask-Noise-Vektor aufsteigend
// geordnet; die floor(N*(1-ratio)) Patches mit dem kleinsten Rauschen
// bleiben sichtbar, der Rest wird maskiert. Dieselbe Noise ergibt
// dieselbe Maske.
//
// Stage 0 moduliert die Encoder-Tokens, Stage 1 den Decoder-Input.
// Replikat r eines Latent-Batches der Groesse k*B gehoert zu Beispiel
// r/k; Forward parallelisiert ueber Beispiel-Shards.
package patchae

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"

	"github.com/ursa-ml/ursa/amp"
	"github.com/ursa-ml/ursa/latent"
	"github.com/ursa-ml/ursa/model"
	"github.com/ursa-ml/ursa/nn"
)

const (
	// GroupMaskNoise und GroupLatents sind die Latent-Gruppen der Spec
	GroupMaskNoise = "mask_noise"
	GroupLatents   = "latents"

	// numStages ist die Anzahl der Injektions-Stages der Architektur
	numStages = 2
)

// Options sind die Architektur-Kwargs, die im Checkpoint landen.
type Options struct {
	InputSize int
	PatchSize int
	EmbedDim  int
	CodeDim   int
	MapDepth  int
	Act       nn.Activation
}

func init() {
	model.Register("base", func(c model.Config) (model.Model, error) {
		return New(c, Options{PatchSize: 16, EmbedDim: 192, CodeDim: 512, MapDepth: 8, Act: nn.GELU})
	})
	model.Register("large", func(c model.Config) (model.Model, error) {
		return New(c, Options{PatchSize: 16, EmbedDim: 384, CodeDim: 512, MapDepth: 8, Act: nn.GELU})
	})
}

// stage wraps the two injection block kinds behind one call shape.
type stage struct {
	method model.Method
	adain  *nn.AdaIN
	local  *nn.LocalAdaIN
}

func (s *stage) forward(tok []float32, b, nTok int, z []float32, l int) ([]float32, any) {
	if s.adain != nil {
		out, cache := s.adain.Forward(tok, b, nTok, z, l)
		return out, cache
	}
	out, cache := s.local.Forward(tok, b, nTok, z, l)
	return out, cache
}

func (s *stage) backward(cache any, dout, dtok []float32) {
	if s.adain != nil {
		s.adain.Backward(cache.(*nn.AdaINCache), dout, dtok)
		return
	}
	s.local.Backward(cache.(*nn.LocalAdaINCache), dout, dtok)
}

func (s *stage) params() []*nn.Param {
	if s.adain != nil {
		return s.adain.Params()
	}
	return s.local.Params()
}

// Model ist der maskierte Patch-Autoencoder.
type Model struct {
	opts    Options
	stages  []model.Stage
	blocks  map[int]*stage // Stage-Index -> Block
	grid    int            // Patches pro Seite
	patches int            // N
	pdim    int            // D = PatchSize^2 * 3

	enc     *nn.EqualizedLinear
	maskTok *nn.Param
	affine  *nn.Affine
	dec     *nn.EqualizedLinear

	params []*nn.Param
}

// New baut die Architektur aus Config und Options.
func New(c model.Config, opts Options) (*Model, error) {
	if opts.InputSize == 0 {
		opts.InputSize = c.InputSize
	}
	if opts.InputSize <= 0 || opts.PatchSize <= 0 || opts.InputSize%opts.PatchSize != 0 {
		return nil, fmt.Errorf("patchae: input size %d not divisible by patch size %d", opts.InputSize, opts.PatchSize)
	}

	stages, err := model.ParseVSpec(c.VSpec)
	if err != nil {
		return nil, err
	}
	for _, s := range stages {
		if s.Index >= numStages {
			return nil, fmt.Errorf("%w: stage %d out of range (architecture has %d stages)", model.ErrBadVSpec, s.Index, numStages)
		}
	}

	seed := c.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	rng := rand.New(rand.NewSource(seed))

	m := &Model{
		opts:    opts,
		stages:  stages,
		blocks:  make(map[int]*stage),
		grid:    opts.InputSize / opts.PatchSize,
		pdim:    opts.PatchSize * opts.PatchSize * 3,
		maskTok: nn.NewParam("mask_token", opts.EmbedDim),
	}
	m.patches = m.grid * m.grid

	m.enc = nn.NewEqualizedLinear("enc", m.pdim, opts.EmbedDim, sqrt2, 1, rng)
	m.maskTok.InitNormal(rng, 0.02)
	m.affine = nn.NewAffine("affine", opts.EmbedDim)
	m.dec = nn.NewEqualizedLinear("dec", opts.EmbedDim, m.pdim, sqrt2, 1, rng)

	for _, s := range stages {
		blk := &stage{method: s.Method}
		name := fmt.Sprintf("stage%d", s.Index)
		switch s.Method {
		case model.MethodAdaIN:
			blk.adain = nn.NewAdaIN(name, opts.EmbedDim, opts.CodeDim, opts.MapDepth, false, rng)
		case model.MethodLocalAdaIN:
			blk.local = nn.NewLocalAdaIN(name, opts.EmbedDim, m.patches, opts.CodeDim, opts.MapDepth, false, rng)
		}
		m.blocks[s.Index] = blk
	}

	m.params = append(m.params, m.enc.Params()...)
	m.params = append(m.params, m.maskTok)
	for _, s := range stages {
		m.params = append(m.params, m.blocks[s.Index].params()...)
	}
	m.params = append(m.params, m.affine.Params()...)
	m.params = append(m.params, m.dec.Params()...)

	return m, nil
}

const sqrt2 = 1.4142135623730951

// LatentSpec publishes mask noise per patch plus one code row per
// variational stage. Without stages only the noise group remains.
func (m *Model) LatentSpec(maskRatio float32, inputSize int) (*latent.Spec, error) {
	if inputSize != m.opts.InputSize {
		return nil, fmt.Errorf("patchae: input size %d does not match model (%d)", inputSize, m.opts.InputSize)
	}
	if int(float32(m.patches)*(1-maskRatio)) >= m.patches {
		return nil, fmt.Errorf("patchae: mask ratio %v leaves no masked patches", maskRatio)
	}

	spec := latent.NewSpec()
	spec.Add(GroupMaskNoise, latent.Group{Shape: []int{m.patches}, BatchKey: latent.BatchKeyMaskNoise})
	if len(m.stages) > 0 {
		spec.Add(GroupLatents, latent.Group{Shape: []int{len(m.stages), m.opts.CodeDim}, BatchKey: latent.BatchKeyLatents})
	}
	return spec, nil
}

func (m *Model) Parameters() []*nn.Param { return m.params }

func (m *Model) KWArgs() map[string]any {
	return map[string]any{
		"input_size": m.opts.InputSize,
		"patch_size": m.opts.PatchSize,
		"embed_dim":  m.opts.EmbedDim,
		"code_dim":   m.opts.CodeDim,
		"map_depth":  m.opts.MapDepth,
		"act":        m.opts.Act.String(),
	}
}

func (m *Model) VSpec() []model.Stage { return m.stages }

// checkInputs validiert Bild- und Latent-Formen und liefert B, L, cpe.
func (m *Model) checkInputs(x *tensor.Dense, z latent.Dict) (b, l, cpe int, err error) {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != 3 || shape[2] != m.opts.InputSize || shape[3] != m.opts.InputSize {
		return 0, 0, 0, fmt.Errorf("patchae: images %v, want [B 3 %d %d]", shape, m.opts.InputSize, m.opts.InputSize)
	}
	b = shape[0]

	noise, ok := z[GroupMaskNoise]
	if !ok {
		return 0, 0, 0, fmt.Errorf("patchae: latent dict missing group %q", GroupMaskNoise)
	}
	ns := noise.Shape()
	if len(ns) != 2 || ns[0] != b || ns[1] != m.patches {
		return 0, 0, 0, fmt.Errorf("patchae: mask noise %v, want [%d %d]", ns, b, m.patches)
	}

	l = b
	if len(m.stages) > 0 {
		lat, ok := z[GroupLatents]
		if !ok {
			return 0, 0, 0, fmt.Errorf("patchae: latent dict missing group %q", GroupLatents)
		}
		ls := lat.Shape()
		if len(ls) != 3 || ls[1] != len(m.stages) || ls[2] != m.opts.CodeDim {
			return 0, 0, 0, fmt.Errorf("patchae: latents %v, want [k*%d %d %d]", ls, b, len(m.stages), m.opts.CodeDim)
		}
		l = ls[0]
		if l%b != 0 {
			return 0, 0, 0, fmt.Errorf("patchae: latent rows %d not a multiple of batch %d", l, b)
		}
	}

	return b, l, l / b, nil
}

// masks derives the per-example boolean mask from the noise ranking.
func (m *Model) masks(noise []float32, b int, maskRatio float32) ([][]bool, int, error) {
	lenKeep := int(float32(m.patches) * (1 - maskRatio))
	numMasked := m.patches - lenKeep
	if numMasked < 1 {
		return nil, 0, fmt.Errorf("patchae: mask ratio %v leaves no masked patches", maskRatio)
	}

	masked := make([][]bool, b)
	order := make([]int, m.patches)
	for e := range b {
		row := noise[e*m.patches : (e+1)*m.patches]
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool { return row[order[i]] < row[order[j]] })

		mk := make([]bool, m.patches)
		for _, p := range order[lenKeep:] {
			mk[p] = true
		}
		masked[e] = mk
	}
	return masked, numMasked, nil
}

// patchify legt [B,3,H,W] als [B*N, D] Patch-Zeilen ab.
func (m *Model) patchify(img []float32, b int) []float32 {
	p, g, hw := m.opts.PatchSize, m.grid, m.opts.InputSize
	out := make([]float32, b*m.patches*m.pdim)
	for e := range b {
		base := e * 3 * hw * hw
		for gy := range g {
			for gx := range g {
				row := out[(e*m.patches+gy*g+gx)*m.pdim:]
				for c := range 3 {
					for py := range p {
						src := base + c*hw*hw + (gy*p+py)*hw + gx*p
						dst := (c*p+py)*p
						copy(row[dst:dst+p], img[src:src+p])
					}
				}
			}
		}
	}
	return out
}

// unpatchify ist die Umkehrung fuer Rekonstruktionen ([L*N, D] -> [L,3,H,W]).
func (m *Model) unpatchify(rec []float32, l int) []float32 {
	p, g, hw := m.opts.PatchSize, m.grid, m.opts.InputSize
	out := make([]float32, l*3*hw*hw)
	for r := range l {
		base := r * 3 * hw * hw
		for gy := range g {
			for gx := range g {
				row := rec[(r*m.patches+gy*g+gx)*m.pdim:]
				for c := range 3 {
					for py := range p {
						dst := base + c*hw*hw + (gy*p+py)*hw + gx*p
						src := (c*p+py)*p
						copy(out[dst:dst+p], row[src:src+p])
					}
				}
			}
		}
	}
	return out
}

// fwdState haelt die Zwischenergebnisse eines seriellen Forward-Laufs.
type fwdState struct {
	b, l, cpe int
	numMasked int
	masked    [][]bool
	patches   []float32 // [B*N, D]
	tok       []float32 // [B*N, E]
	injected  []float32 // nach Stage 0: [L*N, E]
	postMask  []float32 // nach Mask-Token und Kontext: [L*N, E]
	stage1Out []float32 // nach Stage 1: [L*N, E]
	affined   []float32 // nach Affine: [L*N, E]
	rec       []float32 // [L*N, D]
	losses    []float32 // [L]
	cache0    any
	cache1    any
}

// stageCode schneidet die Code-Zeilen einer Stage aus dem Latent-Tensor:
// latents [L, S, CodeDim], Stage an Position si im Stage-Slice.
func (m *Model) stageCode(lat []float32, l, si int) []float32 {
	s, cd := len(m.stages), m.opts.CodeDim
	out := make([]float32, l*cd)
	for r := range l {
		copy(out[r*cd:(r+1)*cd], lat[(r*s+si)*cd:(r*s+si)*cd+cd])
	}
	return out
}

// replicate verteilt [B*N, E] Tokens auf [L*N, E] Replikate (ex = r/cpe).
func replicate(tok []float32, b, l, rowLen int) []float32 {
	if l == b {
		out := make([]float32, len(tok))
		copy(out, tok)
		return out
	}
	cpe := l / b
	out := make([]float32, l*rowLen)
	for r := range l {
		ex := r / cpe
		copy(out[r*rowLen:(r+1)*rowLen], tok[ex*rowLen:(ex+1)*rowLen])
	}
	return out
}

// forwardSerial rechnet den kompletten Forward eines Beispiel-Shards.
func (m *Model) forwardSerial(img []float32, noise []float32, lat []float32, b, l int, maskRatio float32, cast amp.DType) (*fwdState, error) {
	st := &fwdState{b: b, l: l, cpe: l / b}
	e, n := m.opts.EmbedDim, m.patches

	var err error
	st.masked, st.numMasked, err = m.masks(noise, b, maskRatio)
	if err != nil {
		return nil, err
	}

	st.patches = m.patchify(img, b)
	st.tok = m.enc.Forward(st.patches, b*n)
	amp.Round(st.tok, cast)

	var si int
	if blk, ok := m.blocks[0]; ok {
		st.injected, st.cache0 = blk.forward(st.tok, b, n, m.stageCode(lat, l, si), l)
		si++
	} else {
		st.injected = replicate(st.tok, b, l, n*e)
	}
	amp.Round(st.injected, cast)

	// Mask-Token-Ersetzung plus globaler Mittelwert-Kontext
	st.postMask = make([]float32, l*n*e)
	mt := m.maskTok.Data
	ctx := make([]float32, e)
	for r := range l {
		ex := r / st.cpe
		clear(ctx)
		for p := range n {
			var src []float32
			if st.masked[ex][p] {
				src = mt
			} else {
				src = st.injected[(r*n+p)*e : (r*n+p+1)*e]
			}
			copy(st.postMask[(r*n+p)*e:(r*n+p+1)*e], src)
			for c, v := range src {
				ctx[c] += v
			}
		}
		inv := 1 / float32(n)
		for p := range n {
			row := st.postMask[(r*n+p)*e : (r*n+p+1)*e]
			for c := range row {
				row[c] += ctx[c] * inv
			}
		}
	}
	amp.Round(st.postMask, cast)

	if blk, ok := m.blocks[1]; ok {
		st.stage1Out, st.cache1 = blk.forward(st.postMask, l, n, m.stageCode(lat, l, si), l)
		amp.Round(st.stage1Out, cast)
	} else {
		st.stage1Out = st.postMask
	}

	st.affined = m.affine.Forward(st.stage1Out, l*n)
	amp.Round(st.affined, cast)
	st.rec = m.dec.Forward(st.affined, l*n)
	amp.Round(st.rec, cast)

	// Loss: mittlerer Patch-MSE ueber maskierte Patches
	st.losses = make([]float32, l)
	d := m.pdim
	for r := range l {
		ex := r / st.cpe
		var sum float64
		for p := range n {
			if !st.masked[ex][p] {
				continue
			}
			rr := st.rec[(r*n+p)*d : (r*n+p+1)*d]
			pr := st.patches[(ex*n+p)*d : (ex*n+p+1)*d]
			var ps float64
			for i, v := range rr {
				diff := float64(v - pr[i])
				ps += diff * diff
			}
			sum += ps / float64(d)
		}
		st.losses[r] = float32(sum / float64(st.numMasked))
	}

	return st, nil
}

// Forward evaluates reconstruction loss for x under z.
func (m *Model) Forward(x *tensor.Dense, z latent.Dict, opts model.ForwardOptions) (*model.Output, error) {
	b, l, cpe, err := m.checkInputs(x, z)
	if err != nil {
		return nil, err
	}

	img := x.Data().([]float32)
	noise := z[GroupMaskNoise].Data().([]float32)
	var lat []float32
	if len(m.stages) > 0 {
		lat = z[GroupLatents].Data().([]float32)
	}

	threads := opts.Threads
	if threads <= 0 {
		threads = 1
	}
	if threads > b {
		threads = b
	}

	losses := make([]float32, l)
	var rec []float32
	masked := make([][]bool, b)
	if opts.ReturnAll {
		rec = make([]float32, l*m.patches*m.pdim)
	}

	hw := m.opts.InputSize
	latStride := len(m.stages) * m.opts.CodeDim

	var g errgroup.Group
	g.SetLimit(max(threads, 1))
	chunk := (b + threads - 1) / threads
	for start := 0; start < b; start += chunk {
		end := min(start+chunk, b)
		g.Go(func() error {
			var latPart []float32
			if lat != nil {
				latPart = lat[start*cpe*latStride : end*cpe*latStride]
			}
			st, err := m.forwardSerial(
				img[start*3*hw*hw:end*3*hw*hw],
				noise[start*m.patches:end*m.patches],
				latPart,
				end-start, (end-start)*cpe,
				opts.MaskRatio, opts.Cast,
			)
			if err != nil {
				return err
			}
			copy(losses[start*cpe:end*cpe], st.losses)
			copy(masked[start:end], st.masked)
			if rec != nil {
				copy(rec[start*cpe*m.patches*m.pdim:end*cpe*m.patches*m.pdim], st.rec)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &model.Output{}
	var sum float64
	for _, v := range losses {
		sum += float64(v)
	}
	out.Loss = float32(sum / float64(l))
	if opts.Reduction == model.ReductionPerExample {
		out.Losses = losses
	}

	if opts.ReturnAll {
		out.Pred = tensor.New(tensor.WithShape(l, 3, hw, hw), tensor.WithBacking(m.unpatchify(rec, l)))
		mbits := make([]float32, b*m.patches)
		for e := range b {
			for p, mk := range masked[e] {
				if mk {
					mbits[e*m.patches+p] = 1
				}
			}
		}
		out.Mask = tensor.New(tensor.WithShape(b, m.patches), tensor.WithBacking(mbits))
	}

	return out, nil
}

// Backward runs forward plus backprop for a training minibatch (one latent
// per example) and accumulates scaled gradients.
func (m *Model) Backward(x *tensor.Dense, z latent.Dict, opts model.BackwardOptions) (float32, error) {
	b, l, cpe, err := m.checkInputs(x, z)
	if err != nil {
		return 0, err
	}
	if cpe != 1 {
		return 0, fmt.Errorf("patchae: training expects one latent per example, got %d", cpe)
	}

	img := x.Data().([]float32)
	noise := z[GroupMaskNoise].Data().([]float32)
	var lat []float32
	if len(m.stages) > 0 {
		lat = z[GroupLatents].Data().([]float32)
	}

	st, err := m.forwardSerial(img, noise, lat, b, l, opts.MaskRatio, opts.Cast)
	if err != nil {
		return 0, err
	}

	scale := opts.LossScale
	if scale == 0 {
		scale = 1
	}

	e, n, d := m.opts.EmbedDim, m.patches, m.pdim

	// Seed: dL/dRec fuer den mittleren maskierten Patch-MSE
	dRec := make([]float32, l*n*d)
	norm := scale * 2 / float32(d*st.numMasked*l)
	for r := range l {
		for p := range n {
			if !st.masked[r][p] {
				continue
			}
			rr := st.rec[(r*n+p)*d : (r*n+p+1)*d]
			pr := st.patches[(r*n+p)*d : (r*n+p+1)*d]
			dr := dRec[(r*n+p)*d : (r*n+p+1)*d]
			for i := range rr {
				dr[i] = (rr[i] - pr[i]) * norm
			}
		}
	}

	dAffined := make([]float32, l*n*e)
	m.dec.Backward(st.affined, dRec, l*n, dAffined)

	dStage1Out := make([]float32, l*n*e)
	m.affine.Backward(st.stage1Out, dAffined, l*n, dStage1Out)

	dPostMask := dStage1Out
	if blk, ok := m.blocks[1]; ok {
		dPostMask = make([]float32, l*n*e)
		blk.backward(st.cache1, dStage1Out, dPostMask)
	}

	// Kontext-Rueckfluss: dh1 = dh2 + mean_q dh2[q]
	dInjected := make([]float32, l*n*e)
	dMaskTok := m.maskTok.Grad
	ctx := make([]float32, e)
	for r := range l {
		clear(ctx)
		for p := range n {
			row := dPostMask[(r*n+p)*e : (r*n+p+1)*e]
			for c, v := range row {
				ctx[c] += v
			}
		}
		inv := 1 / float32(n)
		for p := range n {
			row := dPostMask[(r*n+p)*e : (r*n+p+1)*e]
			var dst []float32
			if st.masked[r][p] {
				dst = dMaskTok
			} else {
				dst = dInjected[(r*n+p)*e : (r*n+p+1)*e]
			}
			for c, v := range row {
				dst[c] += v + ctx[c]*inv
			}
		}
	}

	dTok := make([]float32, l*n*e)
	if blk, ok := m.blocks[0]; ok {
		blk.backward(st.cache0, dInjected, dTok)
	} else {
		copy(dTok, dInjected)
	}

	m.enc.Backward(st.patches, dTok, l*n, nil)

	var sum float64
	for _, v := range st.losses {
		sum += float64(v)
	}
	return float32(sum / float64(l)), nil
}
