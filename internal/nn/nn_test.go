package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDenseValidation(t *testing.T) {
	tests := []struct {
		name    string
		w, b    []float32
		rows    int
		cols    int
		wantErr bool
	}{
		{"valid", make([]float32, 6), make([]float32, 2), 2, 3, false},
		{"valid nil bias", make([]float32, 6), nil, 2, 3, false},
		{"zero rows", make([]float32, 6), nil, 0, 3, true},
		{"zero cols", make([]float32, 6), nil, 2, 0, true},
		{"weight length mismatch", make([]float32, 5), nil, 2, 3, true},
		{"bias length mismatch", make([]float32, 6), make([]float32, 3), 2, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDense(tt.w, tt.b, tt.rows, tt.cols)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDenseApply(t *testing.T) {
	// y = Wx + b with a 2x3 matrix.
	d, err := NewDense([]float32{1, 2, 3, 4, 5, 6}, []float32{10, 20}, 2, 3)
	require.NoError(t, err)

	y := d.Apply([]float32{1, 0, -1})
	require.Len(t, y, 2)
	assert.InDelta(t, 1*1+2*0+3*(-1)+10, y[0], 1e-6)
	assert.InDelta(t, 4*1+5*0+6*(-1)+20, y[1], 1e-6)
}

func TestDenseApplyDeterministic(t *testing.T) {
	d, err := NewDense([]float32{0.3, -0.7, 0.11, 0.99, -0.001, 0.5}, nil, 2, 3)
	require.NoError(t, err)

	x := []float32{0.123, -4.56, 7.89}
	first := d.Apply(x)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, d.Apply(x))
	}
}

func TestDenseGradInput(t *testing.T) {
	d, err := NewDense([]float32{1, 2, 3, 4, 5, 6}, nil, 2, 3)
	require.NoError(t, err)

	// dx = W^T dy.
	dx := d.GradInput([]float32{1, -1})
	require.Len(t, dx, 3)
	assert.InDelta(t, 1-4, dx[0], 1e-6)
	assert.InDelta(t, 2-5, dx[1], 1e-6)
	assert.InDelta(t, 3-6, dx[2], 1e-6)
}

func TestSigmoidLogitRoundTrip(t *testing.T) {
	for _, p := range []float64{0.01, 0.25, 0.5, 0.75, 0.99} {
		assert.InDelta(t, p, Sigmoid(Logit(p)), 1e-9)
	}
	assert.InDelta(t, 0.5, Sigmoid(0), 1e-12)
}

func TestLogitClampsExtremes(t *testing.T) {
	assert.False(t, math.IsInf(Logit(0), -1))
	assert.False(t, math.IsInf(Logit(1), 1))
	assert.Less(t, Logit(0), 0.0)
	assert.Greater(t, Logit(1), 0.0)
}

func TestMeanPool2D(t *testing.T) {
	// 1 channel, 4x4 tensor, 2x2 grid: each cell averages a 2x2 patch.
	pixels := []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}
	pooled := MeanPool2D(pixels, 1, 4, 4, 2, 2)
	require.Len(t, pooled, 4)
	assert.InDelta(t, 3.5, pooled[0], 1e-6)  // {1,2,5,6}
	assert.InDelta(t, 5.5, pooled[1], 1e-6)  // {3,4,7,8}
	assert.InDelta(t, 11.5, pooled[2], 1e-6) // {9,10,13,14}
	assert.InDelta(t, 13.5, pooled[3], 1e-6) // {11,12,15,16}
}

func TestMeanPool2DUnevenSplit(t *testing.T) {
	// Height 5 on a 2-row grid: rows split 0-1 / 2-4, every pixel counted once.
	pixels := make([]float32, 5)
	for i := range pixels {
		pixels[i] = float32(i)
	}
	pooled := MeanPool2D(pixels, 1, 5, 1, 2, 1)
	require.Len(t, pooled, 2)
	assert.InDelta(t, 0.5, pooled[0], 1e-6) // rows 0,1
	assert.InDelta(t, 3.0, pooled[1], 1e-6) // rows 2,3,4
}

func TestMeanPool2DGradConservesMass(t *testing.T) {
	dPooled := []float32{4, -2, 8, 1}
	dPixels := MeanPool2DGrad(dPooled, 1, 4, 4, 2, 2)
	require.Len(t, dPixels, 16)

	var total float64
	for _, g := range dPixels {
		total += float64(g)
	}
	assert.InDelta(t, 4-2+8+1, total, 1e-5)

	// Each pixel of the first cell receives dCell / 4.
	assert.InDelta(t, 1.0, dPixels[0], 1e-6)
	assert.InDelta(t, 1.0, dPixels[5], 1e-6)
}

func TestPoolGradRoundTrip(t *testing.T) {
	// <MeanPool2D(x), dy> == <x, MeanPool2DGrad(dy)> — the adjoint property
	// the saliency backprop relies on.
	pixels := []float32{
		0.1, 0.9, 0.3, 0.7,
		0.2, 0.8, 0.4, 0.6,
		0.5, 0.5, 0.1, 0.9,
		0.3, 0.7, 0.2, 0.8,
	}
	dy := []float32{1.5, -0.5, 2.0, 0.25}

	pooled := MeanPool2D(pixels, 1, 4, 4, 2, 2)
	dPixels := MeanPool2DGrad(dy, 1, 4, 4, 2, 2)

	var lhs, rhs float64
	for i := range pooled {
		lhs += float64(pooled[i]) * float64(dy[i])
	}
	for i := range pixels {
		rhs += float64(pixels[i]) * float64(dPixels[i])
	}
	assert.InDelta(t, lhs, rhs, 1e-5)
}

func TestResizeBilinearIdentity(t *testing.T) {
	src := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	dst := ResizeBilinear(src, 3, 3, 3, 3)
	require.Len(t, dst, 9)
	for i := range src {
		assert.InDelta(t, src[i], dst[i], 1e-6)
	}
}

func TestResizeBilinearConstant(t *testing.T) {
	src := []float32{0.42, 0.42, 0.42, 0.42}
	dst := ResizeBilinear(src, 2, 2, 7, 5)
	require.Len(t, dst, 35)
	for _, v := range dst {
		assert.InDelta(t, 0.42, v, 1e-6)
	}
}

func TestResizeBilinearUpscalePreservesRange(t *testing.T) {
	src := []float32{0, 1, 0, 1}
	dst := ResizeBilinear(src, 2, 2, 8, 8)
	for _, v := range dst {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestNormalize01(t *testing.T) {
	vals := []float32{2, 4, 6}
	Normalize01(vals)
	assert.InDelta(t, 0, vals[0], 1e-6)
	assert.InDelta(t, 0.5, vals[1], 1e-6)
	assert.InDelta(t, 1, vals[2], 1e-6)
}

func TestNormalize01ConstantMap(t *testing.T) {
	vals := []float32{3, 3, 3}
	Normalize01(vals)
	for _, v := range vals {
		assert.Zero(t, v)
	}
}

func TestNormalize01Empty(t *testing.T) {
	assert.NotPanics(t, func() { Normalize01(nil) })
}
