package trajectory

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/viamrobotics/viam-monovo/geometry"
)

// Align returns the rotation and translation that best map estimate onto groundTruth in the
// least-squares sense. Scale is not estimated.
func Align(estimate, groundTruth []r3.Vector) (*mat.Dense, r3.Vector, error) {
	if len(estimate) != len(groundTruth) || len(estimate) == 0 {
		return nil, r3.Vector{}, errors.Errorf("cannot align %d estimated positions with %d ground truth positions",
			len(estimate), len(groundTruth))
	}
	ca, cb := centroid(estimate), centroid(groundTruth)
	h := mat.NewDense(3, 3, nil)
	for i := range estimate {
		a := estimate[i].Sub(ca)
		b := groundTruth[i].Sub(cb)
		av := []float64{a.X, a.Y, a.Z}
		bv := []float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}
	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return nil, r3.Vector{}, errors.New("alignment SVD failed to factorize")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}
	return &r, cb.Sub(geometry.MulVec(&r, ca)), nil
}

// AbsoluteTrajectoryError returns the RMSE of position differences after alignment.
func AbsoluteTrajectoryError(estimate, groundTruth []r3.Vector) (float64, error) {
	r, t, err := Align(estimate, groundTruth)
	if err != nil {
		return 0, err
	}
	errs := make([]float64, len(estimate))
	for i := range estimate {
		errs[i] = geometry.MulVec(r, estimate[i]).Add(t).Sub(groundTruth[i]).Norm()
	}
	return rmse(errs), nil
}

// RelativePoseError returns the RMSE of the difference in travelled distance over windows of
// delta frames, after alignment.
func RelativePoseError(estimate, groundTruth []r3.Vector, delta int) (float64, error) {
	if delta < 1 {
		return 0, errors.Errorf("delta must be positive, got %d", delta)
	}
	if len(groundTruth) <= delta {
		return 0, errors.Errorf("need more than %d positions, got %d", delta, len(groundTruth))
	}
	r, t, err := Align(estimate, groundTruth)
	if err != nil {
		return 0, err
	}
	aligned := make([]r3.Vector, len(estimate))
	for i, p := range estimate {
		aligned[i] = geometry.MulVec(r, p).Add(t)
	}
	errs := make([]float64, 0, len(groundTruth)-delta)
	for i := 0; i+delta < len(groundTruth); i++ {
		dEst := aligned[i+delta].Sub(aligned[i]).Norm()
		dTruth := groundTruth[i+delta].Sub(groundTruth[i]).Norm()
		errs = append(errs, math.Abs(dEst-dTruth))
	}
	return rmse(errs), nil
}

// Positions extracts the translations of a pose sequence.
func Positions(poses []*mat.Dense) []r3.Vector {
	out := make([]r3.Vector, len(poses))
	for i, p := range poses {
		out[i] = geometry.Translation(p)
	}
	return out
}

func centroid(points []r3.Vector) r3.Vector {
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	zs := make([]float64, len(points))
	for i, p := range points {
		xs[i], ys[i], zs[i] = p.X, p.Y, p.Z
	}
	return r3.Vector{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil), Z: stat.Mean(zs, nil)}
}

func rmse(errs []float64) float64 {
	if len(errs) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(errs, errs) / float64(len(errs)))
}
