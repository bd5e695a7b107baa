// Package model implements the stacked LSTM regressor that maps a window of
// normalized feature rows to the normalized next-hour temperature, together
// with its offline trainer and on-disk artifacts.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/i474232898/weather-forecast/internal/features"
)

// ErrShape is returned for windows or weights whose dimensions do not match the network.
var ErrShape = errors.New("shape mismatch")

// lstmLayer holds the weights of one recurrent layer. Gate rows are stacked
// in the order input, forget, cell, output.
type lstmLayer struct {
	inputs int
	hidden int
	W      *mat.Dense    // 4H x inputs
	U      *mat.Dense    // 4H x H
	B      *mat.VecDense // 4H
}

func newLSTMLayer(inputs, hidden int, rng *rand.Rand) *lstmLayer {
	l := &lstmLayer{
		inputs: inputs,
		hidden: hidden,
		W:      mat.NewDense(4*hidden, inputs, glorot(4*hidden*inputs, inputs, 4*hidden, rng)),
		U:      mat.NewDense(4*hidden, hidden, glorot(4*hidden*hidden, hidden, 4*hidden, rng)),
		B:      mat.NewVecDense(4*hidden, nil),
	}
	// forget gate starts open
	for j := hidden; j < 2*hidden; j++ {
		l.B.SetVec(j, 1)
	}
	return l
}

// stepCache keeps what backpropagation needs from one time step.
type stepCache struct {
	x     *mat.VecDense
	hPrev *mat.VecDense
	cPrev *mat.VecDense
	i     []float64
	f     []float64
	g     []float64
	o     []float64
	tanhC []float64
}

// forward runs the layer over xs and returns the hidden state at every step.
// Caches are only built when keep is set.
func (l *lstmLayer) forward(xs []*mat.VecDense, keep bool) ([]*mat.VecDense, []stepCache) {
	H := l.hidden
	h := mat.NewVecDense(H, nil)
	c := mat.NewVecDense(H, nil)
	z := mat.NewVecDense(4*H, nil)
	uh := mat.NewVecDense(4*H, nil)

	hs := make([]*mat.VecDense, len(xs))
	var caches []stepCache
	if keep {
		caches = make([]stepCache, len(xs))
	}

	for t, x := range xs {
		z.MulVec(l.W, x)
		uh.MulVec(l.U, h)
		z.AddVec(z, uh)
		z.AddVec(z, l.B)
		zd := z.RawVector().Data
		cp := c.RawVector().Data

		hNext := make([]float64, H)
		cNext := make([]float64, H)
		sc := stepCache{x: x, hPrev: h, cPrev: c}
		if keep {
			sc.i = make([]float64, H)
			sc.f = make([]float64, H)
			sc.g = make([]float64, H)
			sc.o = make([]float64, H)
			sc.tanhC = make([]float64, H)
		}

		for j := 0; j < H; j++ {
			ig := sigmoid(zd[j])
			fg := sigmoid(zd[H+j])
			gg := math.Tanh(zd[2*H+j])
			og := sigmoid(zd[3*H+j])
			cNext[j] = fg*cp[j] + ig*gg
			tc := math.Tanh(cNext[j])
			hNext[j] = og * tc
			if keep {
				sc.i[j], sc.f[j], sc.g[j], sc.o[j], sc.tanhC[j] = ig, fg, gg, og, tc
			}
		}

		h = mat.NewVecDense(H, hNext)
		c = mat.NewVecDense(H, cNext)
		hs[t] = h
		if keep {
			caches[t] = sc
		}
	}
	return hs, caches
}

// backward accumulates weight gradients into g given dL/dh for each step (nil
// entries mean zero) and returns dL/dx per step when wantInput is set.
func (l *lstmLayer) backward(caches []stepCache, dhs []*mat.VecDense, g *lstmGrad, wantInput bool) []*mat.VecDense {
	H := l.hidden
	dhNext := make([]float64, H)
	dcNext := make([]float64, H)
	dz := mat.NewVecDense(4*H, nil)
	dhRec := mat.NewVecDense(H, nil)

	var dxs []*mat.VecDense
	if wantInput {
		dxs = make([]*mat.VecDense, len(caches))
	}

	for t := len(caches) - 1; t >= 0; t-- {
		sc := caches[t]
		dzd := dz.RawVector().Data
		cPrev := sc.cPrev.RawVector().Data
		var dhIn []float64
		if dhs[t] != nil {
			dhIn = dhs[t].RawVector().Data
		}

		for j := 0; j < H; j++ {
			dh := dhNext[j]
			if dhIn != nil {
				dh += dhIn[j]
			}
			dc := dh*sc.o[j]*(1-sc.tanhC[j]*sc.tanhC[j]) + dcNext[j]
			dzd[j] = dc * sc.g[j] * sc.i[j] * (1 - sc.i[j])
			dzd[H+j] = dc * cPrev[j] * sc.f[j] * (1 - sc.f[j])
			dzd[2*H+j] = dc * sc.i[j] * (1 - sc.g[j]*sc.g[j])
			dzd[3*H+j] = dh * sc.tanhC[j] * sc.o[j] * (1 - sc.o[j])
			dcNext[j] = dc * sc.f[j]
		}

		g.W.RankOne(g.W, 1, dz, sc.x)
		g.U.RankOne(g.U, 1, dz, sc.hPrev)
		g.B.AddVec(g.B, dz)

		if wantInput {
			dx := mat.NewVecDense(l.inputs, nil)
			dx.MulVec(l.W.T(), dz)
			dxs[t] = dx
		}
		dhRec.MulVec(l.U.T(), dz)
		copy(dhNext, dhRec.RawVector().Data)
	}
	return dxs
}

type lstmGrad struct {
	W *mat.Dense
	U *mat.Dense
	B *mat.VecDense
}

func newLSTMGrad(l *lstmLayer) *lstmGrad {
	return &lstmGrad{
		W: mat.NewDense(4*l.hidden, l.inputs, nil),
		U: mat.NewDense(4*l.hidden, l.hidden, nil),
		B: mat.NewVecDense(4*l.hidden, nil),
	}
}

// Network is a stack of LSTM layers followed by a single-output dense head.
// Predict only reads the weights, so a loaded Network can serve concurrent
// callers without locking.
type Network struct {
	inputs  int
	dropout float64
	layers  []*lstmLayer
	headW   *mat.VecDense
	headB   *mat.VecDense // length 1
}

// NewNetwork builds a randomly initialised network for windows of the given
// width. hidden lists the layer sizes from input to output.
func NewNetwork(inputs int, hidden []int, dropout float64, rng *rand.Rand) (*Network, error) {
	if inputs <= 0 {
		return nil, fmt.Errorf("%w: inputs must be positive", ErrShape)
	}
	if len(hidden) == 0 {
		return nil, fmt.Errorf("%w: at least one recurrent layer is required", ErrShape)
	}
	if dropout < 0 || dropout >= 1 {
		return nil, fmt.Errorf("dropout %v out of range [0,1)", dropout)
	}

	n := &Network{inputs: inputs, dropout: dropout}
	in := inputs
	for _, h := range hidden {
		if h <= 0 {
			return nil, fmt.Errorf("%w: hidden size %d", ErrShape, h)
		}
		n.layers = append(n.layers, newLSTMLayer(in, h, rng))
		in = h
	}
	n.headW = mat.NewVecDense(in, glorot(in, in, 1, rng))
	n.headB = mat.NewVecDense(1, nil)
	return n, nil
}

// Inputs is the feature width the network expects per step.
func (n *Network) Inputs() int {
	return n.inputs
}

// Hidden returns the recurrent layer sizes.
func (n *Network) Hidden() []int {
	out := make([]int, len(n.layers))
	for i, l := range n.layers {
		out[i] = l.hidden
	}
	return out
}

// Predict returns the normalized next-step temperature for an already
// normalized window.
func (n *Network) Predict(w features.Window) (float64, error) {
	if w.Len() == 0 {
		return 0, fmt.Errorf("%w: empty window", ErrShape)
	}
	if w.Width() != n.inputs {
		return 0, fmt.Errorf("%w: window has %d features, network expects %d", ErrShape, w.Width(), n.inputs)
	}
	y := n.forward(windowInputs(w), nil).out
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return 0, errors.New("network produced a non-finite output")
	}
	return y, nil
}

type forwardPass struct {
	caches [][]stepCache
	masks  [][][]float64
	last   *mat.VecDense
	out    float64
}

// forward evaluates the network. When rng is non-nil the pass is a training
// pass: caches are kept and inverted dropout is applied between layers.
func (n *Network) forward(xs []*mat.VecDense, rng *rand.Rand) forwardPass {
	training := rng != nil
	var fp forwardPass
	if training {
		fp.caches = make([][]stepCache, len(n.layers))
		fp.masks = make([][][]float64, len(n.layers))
	}

	seq := xs
	for li, l := range n.layers {
		hs, caches := l.forward(seq, training)
		if training {
			fp.caches[li] = caches
		}
		if training && n.dropout > 0 && li < len(n.layers)-1 {
			fp.masks[li] = make([][]float64, len(hs))
			for t, h := range hs {
				mask := dropoutMask(h.Len(), n.dropout, rng)
				fp.masks[li][t] = mask
				dropped := mat.NewVecDense(h.Len(), nil)
				dropped.MulElemVec(h, mat.NewVecDense(len(mask), mask))
				hs[t] = dropped
			}
		}
		seq = hs
	}

	fp.last = seq[len(seq)-1]
	fp.out = mat.Dot(n.headW, fp.last) + n.headB.AtVec(0)
	return fp
}

// backward pushes dL/dy through a training pass and accumulates into g.
func (n *Network) backward(fp forwardPass, dy float64, g *gradients) {
	g.headW.AddScaledVec(g.headW, dy, fp.last)
	g.headB.SetVec(0, g.headB.AtVec(0)+dy)

	steps := len(fp.caches[0])
	dhs := make([]*mat.VecDense, steps)
	top := mat.NewVecDense(n.headW.Len(), nil)
	top.ScaleVec(dy, n.headW)
	dhs[steps-1] = top

	for li := len(n.layers) - 1; li >= 0; li-- {
		dxs := n.layers[li].backward(fp.caches[li], dhs, g.layers[li], li > 0)
		if li == 0 {
			break
		}
		if masks := fp.masks[li-1]; masks != nil {
			for t, dx := range dxs {
				dx.MulElemVec(dx, mat.NewVecDense(len(masks[t]), masks[t]))
			}
		}
		dhs = dxs
	}
}

type gradients struct {
	layers []*lstmGrad
	headW  *mat.VecDense
	headB  *mat.VecDense
}

func newGradients(n *Network) *gradients {
	g := &gradients{
		headW: mat.NewVecDense(n.headW.Len(), nil),
		headB: mat.NewVecDense(1, nil),
	}
	for _, l := range n.layers {
		g.layers = append(g.layers, newLSTMGrad(l))
	}
	return g
}

func (g *gradients) slices() [][]float64 {
	var out [][]float64
	for _, l := range g.layers {
		out = append(out, l.W.RawMatrix().Data, l.U.RawMatrix().Data, l.B.RawVector().Data)
	}
	return append(out, g.headW.RawVector().Data, g.headB.RawVector().Data)
}

func (g *gradients) zero() {
	for _, s := range g.slices() {
		clear(s)
	}
}

// params exposes the weight buffers in the same order as gradients.slices.
func (n *Network) params() [][]float64 {
	var out [][]float64
	for _, l := range n.layers {
		out = append(out, l.W.RawMatrix().Data, l.U.RawMatrix().Data, l.B.RawVector().Data)
	}
	return append(out, n.headW.RawVector().Data, n.headB.RawVector().Data)
}

func (n *Network) clone() *Network {
	c := &Network{
		inputs:  n.inputs,
		dropout: n.dropout,
		headW:   mat.VecDenseCopyOf(n.headW),
		headB:   mat.VecDenseCopyOf(n.headB),
	}
	for _, l := range n.layers {
		c.layers = append(c.layers, &lstmLayer{
			inputs: l.inputs,
			hidden: l.hidden,
			W:      mat.DenseCopyOf(l.W),
			U:      mat.DenseCopyOf(l.U),
			B:      mat.VecDenseCopyOf(l.B),
		})
	}
	return c
}

type layerState struct {
	Inputs int       `json:"inputs"`
	Hidden int       `json:"hidden"`
	W      []float64 `json:"w"`
	U      []float64 `json:"u"`
	B      []float64 `json:"b"`
}

type networkState struct {
	Inputs  int          `json:"inputs"`
	Dropout float64      `json:"dropout"`
	Layers  []layerState `json:"layers"`
	HeadW   []float64    `json:"head_w"`
	HeadB   float64      `json:"head_b"`
}

func (n *Network) MarshalJSON() ([]byte, error) {
	st := networkState{
		Inputs:  n.inputs,
		Dropout: n.dropout,
		HeadW:   append([]float64(nil), n.headW.RawVector().Data...),
		HeadB:   n.headB.AtVec(0),
	}
	for _, l := range n.layers {
		st.Layers = append(st.Layers, layerState{
			Inputs: l.inputs,
			Hidden: l.hidden,
			W:      append([]float64(nil), l.W.RawMatrix().Data...),
			U:      append([]float64(nil), l.U.RawMatrix().Data...),
			B:      append([]float64(nil), l.B.RawVector().Data...),
		})
	}
	return json.Marshal(st)
}

func (n *Network) UnmarshalJSON(data []byte) error {
	var st networkState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Inputs <= 0 || len(st.Layers) == 0 {
		return fmt.Errorf("%w: network has no inputs or layers", ErrShape)
	}

	decoded := Network{inputs: st.Inputs, dropout: st.Dropout}
	in := st.Inputs
	for i, ls := range st.Layers {
		H := ls.Hidden
		switch {
		case ls.Inputs != in || H <= 0:
			return fmt.Errorf("%w: layer %d is %dx%d, previous output is %d", ErrShape, i, ls.Inputs, H, in)
		case len(ls.W) != 4*H*in, len(ls.U) != 4*H*H, len(ls.B) != 4*H:
			return fmt.Errorf("%w: layer %d weight lengths", ErrShape, i)
		}
		decoded.layers = append(decoded.layers, &lstmLayer{
			inputs: in,
			hidden: H,
			W:      mat.NewDense(4*H, in, ls.W),
			U:      mat.NewDense(4*H, H, ls.U),
			B:      mat.NewVecDense(4*H, ls.B),
		})
		in = H
	}
	if len(st.HeadW) != in {
		return fmt.Errorf("%w: head has %d weights, last layer has %d units", ErrShape, len(st.HeadW), in)
	}
	decoded.headW = mat.NewVecDense(in, st.HeadW)
	decoded.headB = mat.NewVecDense(1, []float64{st.HeadB})

	*n = decoded
	return nil
}

func windowInputs(w features.Window) []*mat.VecDense {
	xs := make([]*mat.VecDense, w.Len())
	for t := range xs {
		xs[t] = mat.NewVecDense(w.Width(), w.Row(t))
	}
	return xs
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// glorot draws n weights uniformly from the Glorot range for the given fan sizes.
func glorot(n, fanIn, fanOut int, rng *rand.Rand) []float64 {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	w := make([]float64, n)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
	return w
}

func dropoutMask(n int, rate float64, rng *rand.Rand) []float64 {
	keep := 1 - rate
	mask := make([]float64, n)
	for i := range mask {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
		}
	}
	return mask
}
