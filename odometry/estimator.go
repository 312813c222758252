// Package odometry recovers frame-to-frame camera motion from 2D point correspondences and
// gates the result against plausible per-frame motion.
package odometry

import (
	"context"
	"math"
	"math/rand"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/rimage/transform"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/viam-monovo/geometry"
)

const (
	// MinCorrespondences is the smallest correspondence set the estimator accepts.
	MinCorrespondences = 8

	ransacConfidence      = 0.999
	ransacThresholdPixels = 1.0
	ransacMaxIterations   = 1000
	ransacMinIterations   = 50
	sampleSize            = 5
)

// RelativePose is the pose of the second view expressed in the frame of the first view, so a
// point X2 in the second camera maps to X1 = Rotation·X2 + Translation. The translation has unit
// norm; its scale is not observable from two monocular views.
type RelativePose struct {
	Rotation    *mat.Dense
	Translation r3.Vector
	Inliers     []bool
}

// NumInliers returns the number of correspondences consistent with the pose.
func (rp RelativePose) NumInliers() int {
	n := 0
	for _, in := range rp.Inliers {
		if in {
			n++
		}
	}
	return n
}

// Transform returns the pose as a 4x4 rigid transform.
func (rp RelativePose) Transform() *mat.Dense {
	return geometry.NewTransform(rp.Rotation, rp.Translation)
}

// RelativePoseEstimator estimates the relative pose between two calibrated views.
type RelativePoseEstimator struct {
	intrinsics *transform.PinholeCameraIntrinsics
	rng        *rand.Rand
	logger     golog.Logger
}

// NewRelativePoseEstimator returns an estimator for the given camera. The seed makes the
// consensus sampling reproducible.
func NewRelativePoseEstimator(
	intrinsics *transform.PinholeCameraIntrinsics,
	seed int64,
	logger golog.Logger,
) (*RelativePoseEstimator, error) {
	if intrinsics == nil {
		return nil, transform.NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return &RelativePoseEstimator{
		intrinsics: intrinsics,
		//nolint:gosec
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger,
	}, nil
}

// Estimate recovers the rotation and translation direction between the views that produced
// corr.Points1 and corr.Points2.
func (e *RelativePoseEstimator) Estimate(ctx context.Context, corr geometry.Correspondences) (RelativePose, error) {
	_, span := trace.StartSpan(ctx, "odometry::RelativePoseEstimator::Estimate")
	defer span.End()

	if err := corr.Validate(); err != nil {
		return RelativePose{}, err
	}
	if corr.Len() < MinCorrespondences {
		return RelativePose{}, errors.Wrapf(ErrInsufficientCorrespondences,
			"need at least %d, got %d", MinCorrespondences, corr.Len())
	}

	x1 := e.normalize(corr.Points1)
	x2 := e.normalize(corr.Points2)
	threshold := ransacThresholdPixels / ((e.intrinsics.Fx + e.intrinsics.Fy) / 2)

	if parallax := rotationOnlyResidual(x1, x2); parallax < threshold {
		return RelativePose{}, errors.Wrapf(ErrDegenerateEssentialMatrix,
			"views are related by a pure rotation (median residual %.3g rad)", parallax)
	}

	essential, inliers, count := e.findEssential(x1, x2, threshold)
	if essential == nil || count < MinCorrespondences {
		return RelativePose{}, errors.Wrapf(ErrDegenerateEssentialMatrix,
			"no consensus model, best had %d inliers", count)
	}

	rotation, translation, mask, err := decomposeEssential(essential, x1, x2, inliers)
	if err != nil {
		return RelativePose{}, err
	}

	// Invert the second camera's extrinsics into its pose in the first camera's frame.
	var rt mat.Dense
	rt.CloneFrom(rotation.T())
	return RelativePose{
		Rotation:    &rt,
		Translation: geometry.MulVec(&rt, translation).Mul(-1).Normalize(),
		Inliers:     mask,
	}, nil
}

func (e *RelativePoseEstimator) normalize(points []r2.Point) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		x, y, z := e.intrinsics.PixelToPoint(p.X, p.Y, 1)
		out[i] = r3.Vector{X: x, Y: y, Z: z}
	}
	return out
}

// findEssential runs the consensus loop and returns the best essential matrix, its inlier
// mask and the inlier count. Hypotheses are ranked by their truncated Sampson cost, and the
// winner is refit on all of its inliers.
func (e *RelativePoseEstimator) findEssential(x1, x2 []r3.Vector, threshold float64) (*mat.Dense, []bool, int) {
	n := len(x1)
	thresholdSq := threshold * threshold
	var best *mat.Dense
	var bestMask []bool
	bestCount := 0
	bestCost := math.Inf(1)

	sample1 := make([]r3.Vector, sampleSize)
	sample2 := make([]r3.Vector, sampleSize)
	maxIterations := ransacMaxIterations
	iterations := 0
	for ; iterations < maxIterations; iterations++ {
		for i, idx := range e.rng.Perm(n)[:sampleSize] {
			sample1[i] = x1[idx]
			sample2[i] = x2[idx]
		}
		candidates, err := solveFivePoint(sample1, sample2)
		if err != nil {
			continue
		}
		for _, candidate := range candidates {
			mask, count, cost := scoreEssential(candidate, x1, x2, thresholdSq)
			if cost >= bestCost {
				continue
			}
			best, bestMask, bestCount, bestCost = candidate, mask, count, cost
			needed := adaptiveIterations(float64(count) / float64(n))
			if needed < ransacMinIterations {
				needed = ransacMinIterations
			}
			if needed < maxIterations {
				maxIterations = needed
			}
		}
	}
	if best == nil {
		return nil, nil, 0
	}

	if refined, err := fitEssential(x1, x2, bestMask); err == nil {
		mask, count, cost := scoreEssential(refined, x1, x2, thresholdSq)
		if count >= bestCount && cost <= bestCost {
			best, bestMask, bestCount = refined, mask, count
		}
	} else if e.logger != nil {
		e.logger.Debugw("essential matrix refit failed, keeping sampled model", "error", err)
	}
	if e.logger != nil {
		e.logger.Debugf("essential matrix consensus: %d/%d inliers after %d iterations", bestCount, n, iterations)
	}
	return best, bestMask, bestCount
}

// scoreEssential returns the inlier mask, the inlier count and the MSAC cost of E, where every
// correspondence contributes its squared Sampson distance capped at thresholdSq.
func scoreEssential(e *mat.Dense, x1, x2 []r3.Vector, thresholdSq float64) ([]bool, int, float64) {
	mask := make([]bool, len(x1))
	count := 0
	cost := 0.0
	for i := range x1 {
		d := sampsonDistanceSq(e, x1[i], x2[i])
		if d <= thresholdSq {
			mask[i] = true
			count++
			cost += d
		} else {
			cost += thresholdSq
		}
	}
	return mask, count, cost
}

// fitEssential solves x2ᵀ·E·x1 = 0 in the least squares sense over the masked correspondences
// and projects the solution onto the essential manifold.
func fitEssential(x1, x2 []r3.Vector, mask []bool) (*mat.Dense, error) {
	rows := make([][]float64, 0, len(x1))
	for i := range x1 {
		if mask[i] {
			rows = append(rows, epipolarRow(x1[i], x2[i]))
		}
	}
	if len(rows) < MinCorrespondences {
		return nil, errors.Wrapf(ErrInsufficientCorrespondences, "refit needs %d, got %d", MinCorrespondences, len(rows))
	}
	// Pad to at least nine rows so the thin factorization still carries the null vector.
	size := len(rows)
	if size < 9 {
		size = 9
	}
	a := mat.NewDense(size, 9, nil)
	for i, row := range rows {
		a.SetRow(i, row)
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errors.New("essential refit SVD failed to factorize")
	}
	var v mat.Dense
	svd.VTo(&v)
	raw := mat.NewDense(3, 3, nil)
	for k := 0; k < 9; k++ {
		raw.Set(k/3, k%3, v.At(k, 8))
	}

	var esvd mat.SVD
	if ok := esvd.Factorize(raw, mat.SVDFull); !ok {
		return nil, errors.New("essential projection SVD failed to factorize")
	}
	var u, vt mat.Dense
	esvd.UTo(&u)
	esvd.VTo(&vt)
	values := esvd.Values(nil)
	sigma := (values[0] + values[1]) / 2
	var essential mat.Dense
	essential.Product(&u, mat.NewDiagDense(3, []float64{sigma, sigma, 0}), vt.T())
	return &essential, nil
}

// adaptiveIterations returns the number of samples needed to draw one all-inlier sample with
// the configured confidence at the given inlier ratio.
func adaptiveIterations(inlierRatio float64) int {
	p := math.Pow(inlierRatio, sampleSize)
	if p >= 1 {
		return 1
	}
	if p <= 0 {
		return ransacMaxIterations
	}
	n := math.Log(1-ransacConfidence) / math.Log(1-p)
	if n > ransacMaxIterations {
		return ransacMaxIterations
	}
	return int(math.Ceil(n))
}

// sampsonDistanceSq is the first-order geometric error of the correspondence (a, b) under E.
func sampsonDistanceSq(e *mat.Dense, a, b r3.Vector) float64 {
	ea := geometry.MulVec(e, a)
	etb := geometry.MulVec(e.T(), b)
	num := b.Dot(ea)
	den := ea.X*ea.X + ea.Y*ea.Y + etb.X*etb.X + etb.Y*etb.Y
	if den == 0 {
		return math.Inf(1)
	}
	return num * num / den
}

// decomposeEssential selects, among the four rotation and translation pairs encoded by E, the
// one that places the most inliers in front of both cameras. The returned pair maps first
// camera coordinates into the second camera.
func decomposeEssential(e *mat.Dense, x1, x2 []r3.Vector, inliers []bool) (*mat.Dense, r3.Vector, []bool, error) {
	var svd mat.SVD
	if ok := svd.Factorize(e, mat.SVDFull); !ok {
		return nil, r3.Vector{}, nil, errors.Wrap(ErrDegenerateEssentialMatrix, "SVD failed to factorize")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	if mat.Det(&u) < 0 {
		u.Scale(-1, &u)
	}
	if mat.Det(&v) < 0 {
		v.Scale(-1, &v)
	}

	w := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
	var ra, rb mat.Dense
	ra.Product(&u, w, v.T())
	rb.Product(&u, w.T(), v.T())
	t := r3.Vector{X: u.At(0, 2), Y: u.At(1, 2), Z: u.At(2, 2)}

	type candidate struct {
		rotation    *mat.Dense
		translation r3.Vector
	}
	candidates := []candidate{{&ra, t}, {&ra, t.Mul(-1)}, {&rb, t}, {&rb, t.Mul(-1)}}

	p1 := geometry.ProjectionMatrix(geometry.Identity())
	var bestMask []bool
	bestCount, bestIdx, total := -1, -1, 0
	for _, in := range inliers {
		if in {
			total++
		}
	}
	for ci, c := range candidates {
		p2 := geometry.ProjectionMatrix(geometry.NewTransform(c.rotation, c.translation))
		mask := make([]bool, len(x1))
		count := 0
		for i := range x1 {
			if !inliers[i] {
				continue
			}
			point, err := geometry.TriangulateDLT(p1, p2, r2.Point{X: x1[i].X, Y: x1[i].Y}, r2.Point{X: x2[i].X, Y: x2[i].Y})
			if err != nil {
				continue
			}
			depth2 := geometry.MulVec(c.rotation, point).Add(c.translation).Z
			if point.Z > 0 && depth2 > 0 {
				mask[i] = true
				count++
			}
		}
		if count > bestCount {
			bestCount, bestIdx, bestMask = count, ci, mask
		}
	}
	if 2*bestCount <= total {
		return nil, r3.Vector{}, nil, errors.Wrapf(ErrDegenerateEssentialMatrix,
			"cheirality holds for only %d of %d inliers", bestCount, total)
	}
	return candidates[bestIdx].rotation, candidates[bestIdx].translation, bestMask, nil
}

// rotationOnlyResidual fits the best pure rotation between the bearing vectors of both views
// and returns the median angular residual in radians.
func rotationOnlyResidual(x1, x2 []r3.Vector) float64 {
	h := mat.NewDense(3, 3, nil)
	b1 := make([]r3.Vector, len(x1))
	b2 := make([]r3.Vector, len(x2))
	for i := range x1 {
		b1[i] = x1[i].Normalize()
		b2[i] = x2[i].Normalize()
		outer := mat.NewDense(3, 3, []float64{
			b1[i].X * b2[i].X, b1[i].X * b2[i].Y, b1[i].X * b2[i].Z,
			b1[i].Y * b2[i].X, b1[i].Y * b2[i].Y, b1[i].Y * b2[i].Z,
			b1[i].Z * b2[i].X, b1[i].Z * b2[i].Y, b1[i].Z * b2[i].Z,
		})
		h.Add(h, outer)
	}
	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return math.Inf(1)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := mat.NewDiagDense(3, []float64{1, 1, math.Copysign(1, mat.Det(&vut))})
	var r mat.Dense
	r.Product(&v, d, u.T())

	residuals := make([]float64, len(b1))
	for i := range b1 {
		c := b2[i].Dot(geometry.MulVec(&r, b1[i]))
		residuals[i] = math.Acos(math.Max(-1, math.Min(1, c)))
	}
	slices.Sort(residuals)
	return residuals[len(residuals)/2]
}
