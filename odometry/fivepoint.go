package odometry

import (
	"math"
	"math/cmplx"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Monomials in x, y, z up to degree three. The ten cubic terms come first so that eliminating
// them leaves a quotient basis of [x² xy xz y² yz z² x y z 1].
var monomials = [20][3]int{
	{3, 0, 0}, {2, 1, 0}, {2, 0, 1}, {1, 2, 0}, {1, 1, 1}, {1, 0, 2}, {0, 3, 0}, {0, 2, 1}, {0, 1, 2}, {0, 0, 3},
	{2, 0, 0}, {1, 1, 0}, {1, 0, 1}, {0, 2, 0}, {0, 1, 1}, {0, 0, 2},
	{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
	{0, 0, 0},
}

var monomialIndex = func() map[[3]int]int {
	idx := make(map[[3]int]int, len(monomials))
	for i, m := range monomials {
		idx[m] = i
	}
	return idx
}()

// poly is a polynomial of degree at most three in x, y, z.
type poly [20]float64

func linearPoly(x, y, z, w float64) poly {
	var p poly
	p[monomialIndex[[3]int{1, 0, 0}]] = x
	p[monomialIndex[[3]int{0, 1, 0}]] = y
	p[monomialIndex[[3]int{0, 0, 1}]] = z
	p[monomialIndex[[3]int{0, 0, 0}]] = w
	return p
}

func (p poly) mul(q poly) poly {
	var out poly
	for i, a := range p {
		if a == 0 {
			continue
		}
		for j, b := range q {
			if b == 0 {
				continue
			}
			e := [3]int{
				monomials[i][0] + monomials[j][0],
				monomials[i][1] + monomials[j][1],
				monomials[i][2] + monomials[j][2],
			}
			k, ok := monomialIndex[e]
			if !ok {
				panic("polynomial degree exceeds three")
			}
			out[k] += a * b
		}
	}
	return out
}

func (p poly) add(q poly) poly {
	for i := range p {
		p[i] += q[i]
	}
	return p
}

func (p poly) scale(s float64) poly {
	for i := range p {
		p[i] *= s
	}
	return p
}

// epipolarRow returns the coefficients of x2ᵀ·E·x1 in the row-major entries of E.
func epipolarRow(x1, x2 r3.Vector) []float64 {
	return []float64{
		x2.X * x1.X, x2.X * x1.Y, x2.X * x1.Z,
		x2.Y * x1.X, x2.Y * x1.Y, x2.Y * x1.Z,
		x2.Z * x1.X, x2.Z * x1.Y, x2.Z * x1.Z,
	}
}

// solveFivePoint returns every real essential matrix consistent with five calibrated
// correspondences, following Stewenius' action matrix formulation. Each matrix satisfies
// x2ᵀ·E·x1 = 0 for the sample.
func solveFivePoint(x1, x2 []r3.Vector) ([]*mat.Dense, error) {
	if len(x1) != 5 || len(x2) != 5 {
		return nil, errors.Errorf("five point solver needs exactly 5 correspondences, got %d", len(x1))
	}
	// Pad to a square system so the full right singular basis is available.
	a := mat.NewDense(9, 9, nil)
	for i := range x1 {
		a.SetRow(i, epipolarRow(x1[i], x2[i]))
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("five point SVD failed to factorize")
	}
	var v mat.Dense
	svd.VTo(&v)

	// Null space basis X, Y, Z, W so that E = x·X + y·Y + z·Z + W.
	var e [3][3]poly
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			k := 3*i + j
			e[i][j] = linearPoly(v.At(k, 5), v.At(k, 6), v.At(k, 7), v.At(k, 8))
		}
	}

	constraints := mat.NewDense(10, 20, nil)
	det := e[0][0].mul(e[1][1].mul(e[2][2]).add(e[1][2].mul(e[2][1]).scale(-1))).
		add(e[0][1].mul(e[1][2].mul(e[2][0]).add(e[1][0].mul(e[2][2]).scale(-1)))).
		add(e[0][2].mul(e[1][0].mul(e[2][1]).add(e[1][1].mul(e[2][0]).scale(-1))))
	constraints.SetRow(0, det[:])

	var eet [3][3]poly
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				eet[i][j] = eet[i][j].add(e[i][k].mul(e[j][k]))
			}
		}
	}
	trace := eet[0][0].add(eet[1][1]).add(eet[2][2])
	row := 1
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var c poly
			for k := 0; k < 3; k++ {
				c = c.add(eet[i][k].mul(e[k][j]).scale(2))
			}
			c = c.add(trace.mul(e[i][j]).scale(-1))
			constraints.SetRow(row, c[:])
			row++
		}
	}

	// Eliminate the cubic monomials: [I | B] after solving.
	var reduced mat.Dense
	if err := reduced.Solve(constraints.Slice(0, 10, 0, 10), constraints.Slice(0, 10, 10, 20)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, errors.Wrap(err, "five point elimination is singular")
		}
	}

	// Action matrix for multiplication by x on the quotient basis.
	action := mat.NewDense(10, 10, nil)
	for i := 0; i < 6; i++ {
		for j := 0; j < 10; j++ {
			action.Set(i, j, -reduced.At(i, j))
		}
	}
	action.Set(6, 0, 1)
	action.Set(7, 1, 1)
	action.Set(8, 2, 1)
	action.Set(9, 6, 1)

	var eig mat.Eigen
	if ok := eig.Factorize(action, mat.EigenRight); !ok {
		return nil, errors.New("five point action matrix eigen decomposition failed")
	}
	values := eig.Values(nil)
	var vectors mat.CDense
	eig.VectorsTo(&vectors)

	solutions := make([]*mat.Dense, 0, len(values))
	for k, val := range values {
		if math.Abs(imag(val)) > 1e-9*math.Max(1, cmplx.Abs(val)) {
			continue
		}
		w := real(vectors.At(9, k))
		if math.Abs(w) < 1e-12 {
			continue
		}
		x := real(vectors.At(6, k)) / w
		y := real(vectors.At(7, k)) / w
		z := real(vectors.At(8, k)) / w
		essential := mat.NewDense(3, 3, nil)
		for i := 0; i < 9; i++ {
			essential.Set(i/3, i%3, x*v.At(i, 5)+y*v.At(i, 6)+z*v.At(i, 7)+v.At(i, 8))
		}
		solutions = append(solutions, essential)
	}
	return solutions, nil
}
