// Package nn provides the float32 numeric kernels used by the encoders,
// fusion projection, and prediction heads: dense linear layers with exact
// gradient backpropagation, sigmoid/logit, patch mean-pooling, and bilinear
// resampling for attribution maps. Accumulation happens in float64 so that
// repeated calls with identical inputs are bit-identical.
package nn

import (
	"fmt"
	"math"
)

// Dense is a linear layer y = Wx + b with W stored row-major (Rows x Cols).
type Dense struct {
	W    []float32
	B    []float32
	Rows int
	Cols int
}

// NewDense validates the weight dimensions and returns a Dense layer.
// B may be nil (no bias).
func NewDense(w, b []float32, rows, cols int) (Dense, error) {
	if rows <= 0 || cols <= 0 {
		return Dense{}, fmt.Errorf("nn: invalid dense dims %dx%d", rows, cols)
	}
	if len(w) != rows*cols {
		return Dense{}, fmt.Errorf("nn: dense weight length %d, want %d", len(w), rows*cols)
	}
	if b != nil && len(b) != rows {
		return Dense{}, fmt.Errorf("nn: dense bias length %d, want %d", len(b), rows)
	}
	return Dense{W: w, B: b, Rows: rows, Cols: cols}, nil
}

// Apply computes y = Wx + b. len(x) must equal Cols.
func (d Dense) Apply(x []float32) []float32 {
	y := make([]float32, d.Rows)
	for r := 0; r < d.Rows; r++ {
		var acc float64
		row := d.W[r*d.Cols : (r+1)*d.Cols]
		for c, v := range row {
			acc += float64(v) * float64(x[c])
		}
		if d.B != nil {
			acc += float64(d.B[r])
		}
		y[r] = float32(acc)
	}
	return y
}

// GradInput backpropagates an output gradient through the layer:
// dx = W^T dy. len(dy) must equal Rows.
func (d Dense) GradInput(dy []float32) []float32 {
	dx := make([]float32, d.Cols)
	for c := 0; c < d.Cols; c++ {
		var acc float64
		for r := 0; r < d.Rows; r++ {
			acc += float64(d.W[r*d.Cols+c]) * float64(dy[r])
		}
		dx[c] = float32(acc)
	}
	return dx
}

// Sigmoid maps a logit to (0, 1).
func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Logit is the inverse of Sigmoid. Inputs are clamped away from 0 and 1 so
// the result stays finite.
func Logit(p float64) float64 {
	const eps = 1e-7
	if p < eps {
		p = eps
	}
	if p > 1-eps {
		p = 1 - eps
	}
	return math.Log(p / (1 - p))
}

// MeanPool2D pools a CHW tensor onto a gridH x gridW grid per channel,
// averaging the pixels that fall into each cell. Output layout is
// [channel][cell] flattened. Cell boundaries are computed by integer
// proportional split so every pixel belongs to exactly one cell.
func MeanPool2D(pixels []float32, channels, height, width, gridH, gridW int) []float32 {
	out := make([]float32, channels*gridH*gridW)
	for ch := 0; ch < channels; ch++ {
		plane := pixels[ch*height*width : (ch+1)*height*width]
		for gy := 0; gy < gridH; gy++ {
			y0, y1 := gy*height/gridH, (gy+1)*height/gridH
			for gx := 0; gx < gridW; gx++ {
				x0, x1 := gx*width/gridW, (gx+1)*width/gridW
				var acc float64
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						acc += float64(plane[y*width+x])
					}
				}
				n := (y1 - y0) * (x1 - x0)
				if n > 0 {
					out[ch*gridH*gridW+gy*gridW+gx] = float32(acc / float64(n))
				}
			}
		}
	}
	return out
}

// MeanPool2DGrad distributes a pooled-cell gradient back to pixels: each
// pixel in a cell receives dCell / cellSize. The inverse counterpart of
// MeanPool2D, used for image saliency backprop.
func MeanPool2DGrad(dPooled []float32, channels, height, width, gridH, gridW int) []float32 {
	dPixels := make([]float32, channels*height*width)
	for ch := 0; ch < channels; ch++ {
		for gy := 0; gy < gridH; gy++ {
			y0, y1 := gy*height/gridH, (gy+1)*height/gridH
			for gx := 0; gx < gridW; gx++ {
				x0, x1 := gx*width/gridW, (gx+1)*width/gridW
				n := (y1 - y0) * (x1 - x0)
				if n == 0 {
					continue
				}
				g := dPooled[ch*gridH*gridW+gy*gridW+gx] / float32(n)
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						dPixels[ch*height*width+y*width+x] += g
					}
				}
			}
		}
	}
	return dPixels
}

// ResizeBilinear resamples a single-plane row-major map from srcW x srcH to
// dstW x dstH using bilinear interpolation with edge clamping.
func ResizeBilinear(src []float32, srcW, srcH, dstW, dstH int) []float32 {
	dst := make([]float32, dstW*dstH)
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return dst
	}
	scaleX := float64(srcW) / float64(dstW)
	scaleY := float64(srcH) / float64(dstH)
	for y := 0; y < dstH; y++ {
		sy := (float64(y)+0.5)*scaleY - 0.5
		y0 := int(math.Floor(sy))
		fy := sy - float64(y0)
		y1 := y0 + 1
		y0 = clamp(y0, 0, srcH-1)
		y1 = clamp(y1, 0, srcH-1)
		for x := 0; x < dstW; x++ {
			sx := (float64(x)+0.5)*scaleX - 0.5
			x0 := int(math.Floor(sx))
			fx := sx - float64(x0)
			x1 := x0 + 1
			x0 = clamp(x0, 0, srcW-1)
			x1 = clamp(x1, 0, srcW-1)

			top := float64(src[y0*srcW+x0])*(1-fx) + float64(src[y0*srcW+x1])*fx
			bot := float64(src[y1*srcW+x0])*(1-fx) + float64(src[y1*srcW+x1])*fx
			dst[y*dstW+x] = float32(top*(1-fy) + bot*fy)
		}
	}
	return dst
}

// Normalize01 rescales values in place to [0, 1]. A constant map normalizes
// to all zeros.
func Normalize01(values []float32) {
	if len(values) == 0 {
		return
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		for i := range values {
			values[i] = 0
		}
		return
	}
	for i := range values {
		values[i] = (values[i] - lo) / span
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
