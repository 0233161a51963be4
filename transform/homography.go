package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// degenerateRatio is the singular-value ratio below which the DLT system is
// treated as rank-deficient (collinear or duplicate correspondences).
const degenerateRatio = 1e-9

// computeHomography solves for the 3x3 projective transform H mapping src
// points onto dst points, using the normalized DLT: both point sets are
// translated/scaled to a canonical frame, the stacked 2n x 9 system is solved
// by SVD, and the result is denormalized. With exactly four well-conditioned
// correspondences the fit is exact; with more it is least-squares.
func computeHomography(src, dst []Point) ([9]float64, error) {
	var h [9]float64
	if len(src) < 4 {
		return h, fmt.Errorf("homography: need at least 4 point pairs, got %d", len(src))
	}
	if len(src) != len(dst) {
		return h, fmt.Errorf("homography: point count mismatch: %d image vs %d robot", len(src), len(dst))
	}
	if i, j, ok := duplicatePair(src); ok {
		return h, fmt.Errorf("homography: duplicate image points %d and %d", i, j)
	}
	if i, j, ok := duplicatePair(dst); ok {
		return h, fmt.Errorf("homography: duplicate robot points %d and %d", i, j)
	}

	tSrc, nSrc := normalize(src)
	tDst, nDst := normalize(dst)

	n := len(src)
	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		x, y := nSrc[i].X, nSrc[i].Y
		u, v := nDst[i].X, nDst[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFullV) {
		return h, fmt.Errorf("homography: SVD failed to converge")
	}
	sv := svd.Values(nil)
	// A clean 4-point solve leaves exactly one near-zero singular value. A
	// second one means the correspondences do not pin down a unique plane.
	if sv[0] == 0 || sv[7]/sv[0] < degenerateRatio {
		return h, fmt.Errorf("homography: degenerate point configuration (collinear or coincident points)")
	}

	var v mat.Dense
	svd.VTo(&v)
	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			hn.Set(i, j, v.At(3*i+j, 8))
		}
	}

	// Denormalize: H = Tdst^-1 * Hn * Tsrc.
	var tDstInv mat.Dense
	if err := tDstInv.Inverse(tDst); err != nil {
		return h, fmt.Errorf("homography: denormalize: %w", err)
	}
	var tmp, full mat.Dense
	tmp.Mul(hn, tSrc)
	full.Mul(&tDstInv, &tmp)

	// Scale so h22 == 1 when possible; keeps matrices comparable.
	scale := full.At(2, 2)
	if math.Abs(scale) < 1e-15 {
		scale = 1
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h[3*i+j] = full.At(i, j) / scale
		}
	}

	if err := validateHomography(h, src, dst); err != nil {
		return h, err
	}
	return h, nil
}

// normalize builds the Hartley similarity transform for a point set: points
// are mean-centered and scaled so the average distance from the origin is
// sqrt(2). Returns the 3x3 transform and the transformed points.
func normalize(pts []Point) (*mat.Dense, []Point) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n

	var meanDist float64
	for _, p := range pts {
		meanDist += math.Hypot(p.X-cx, p.Y-cy)
	}
	meanDist /= n

	s := 1.0
	if meanDist > 1e-12 {
		s = math.Sqrt2 / meanDist
	}

	t := mat.NewDense(3, 3, []float64{
		s, 0, -s * cx,
		0, s, -s * cy,
		0, 0, 1,
	})
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = Point{X: s * (p.X - cx), Y: s * (p.Y - cy)}
	}
	return t, out
}

// validateHomography reprojects the calibration correspondences through h
// and rejects solutions whose homogeneous coordinate collapses. For an exact
// 4-point fit the residual must be tiny; over-determined sets are allowed a
// looser least-squares residual.
func validateHomography(h [9]float64, src, dst []Point) error {
	tol := 1e-4
	if len(src) > 4 {
		tol = 5.0
	}
	for i, p := range src {
		x, y, ok := applyHomography(h, p.X, p.Y)
		if !ok {
			return fmt.Errorf("homography: point %d maps to infinity", i)
		}
		if math.Hypot(x-dst[i].X, y-dst[i].Y) > tol {
			return fmt.Errorf("homography: residual %g at point %d exceeds tolerance", math.Hypot(x-dst[i].X, y-dst[i].Y), i)
		}
	}
	return nil
}

// applyHomography maps one point through h with perspective division.
// ok is false when the homogeneous coordinate is effectively zero.
func applyHomography(h [9]float64, x, y float64) (float64, float64, bool) {
	w := h[6]*x + h[7]*y + h[8]
	if math.Abs(w) < 1e-12 {
		return 0, 0, false
	}
	rx := (h[0]*x + h[1]*y + h[2]) / w
	ry := (h[3]*x + h[4]*y + h[5]) / w
	return rx, ry, true
}

func duplicatePair(pts []Point) (int, int, bool) {
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			if math.Hypot(pts[i].X-pts[j].X, pts[i].Y-pts[j].Y) < 1e-9 {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}
