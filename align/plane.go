package align

import (
	"fmt"
	"math"
)

// PlaneSpec defines a 2D cut through an atlas volume in physical coordinates.
// U and V are the in-plane unit directions of the output columns and rows.
type PlaneSpec struct {
	Origin Vec3 `json:"origin" yaml:"origin"`
	U      Vec3 `json:"u" yaml:"u"`
	V      Vec3 `json:"v" yaml:"v"`
}

// Normal returns U × V
func (p PlaneSpec) Normal() Vec3 {
	return p.U.Cross(p.V)
}

// Validate checks that U and V are unit length and orthogonal
func (p PlaneSpec) Validate() error {
	const tol = 1e-6
	if math.Abs(p.U.Norm()-1) > tol || math.Abs(p.V.Norm()-1) > tol {
		return fmt.Errorf("%w: plane directions must be unit vectors (|u|=%.4f |v|=%.4f)",
			ErrInputGeometry, p.U.Norm(), p.V.Norm())
	}
	if math.Abs(p.U.Dot(p.V)) > tol {
		return fmt.Errorf("%w: plane directions are not orthogonal (u·v=%.4f)", ErrInputGeometry, p.U.Dot(p.V))
	}
	return nil
}

// Point returns the physical position at in-plane offsets (s, t)
func (p PlaneSpec) Point(s, t float64) Vec3 {
	return p.Origin.Add(p.U.Scale(s)).Add(p.V.Scale(t))
}

// AxialPlane returns the plane z = z0 with columns along +x and rows along +y
func AxialPlane(center Vec3) PlaneSpec {
	return PlaneSpec{Origin: center, U: Vec3{X: 1}, V: Vec3{Y: 1}}
}

// PlaneFromAngles builds a plane through center rotated by Euler angles in
// degrees, applied as Rx(thetaX)·Ry(thetaY)·Rz(thetaZ) to the axial frame,
// then shifted by translation. This is the parameterisation operators use when
// matching a slice to an atlas section by eye.
func PlaneFromAngles(center Vec3, thetaZ, thetaY, thetaX float64, translation Vec3) PlaneSpec {
	r := matMul3(matMul3(rotX(thetaX), rotY(thetaY)), rotZ(thetaZ))
	return PlaneSpec{
		Origin: center.Add(translation),
		U:      mulVec3(r, Vec3{X: 1}),
		V:      mulVec3(r, Vec3{Y: 1}),
	}
}

type mat3 [3][3]float64

func rotX(deg float64) mat3 {
	s, c := math.Sincos(deg * math.Pi / 180)
	return mat3{{1, 0, 0}, {0, c, -s}, {0, s, c}}
}

func rotY(deg float64) mat3 {
	s, c := math.Sincos(deg * math.Pi / 180)
	return mat3{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}
}

func rotZ(deg float64) mat3 {
	s, c := math.Sincos(deg * math.Pi / 180)
	return mat3{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
}

func matMul3(a, b mat3) mat3 {
	var r mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				r[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return r
}

func mulVec3(m mat3, v Vec3) Vec3 {
	return Vec3{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}
