// Package frame composes and decomposes rigid poses between reference frames.
//
// Orientation is always carried as a unit gonum quaternion (Real is w).
// Raw 7-vectors only exist at collaborator boundaries: the engine speaks
// (x, y, z, qw, qx, qy, qz) and the controller speaks (x, y, z, qx, qy, qz, qw).
package frame

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a rigid transform: rotate by Rot, then translate by Pos.
type Pose struct {
	Pos r3.Vec
	Rot quat.Number
}

func Identity() Pose {
	return Pose{Rot: quat.Number{Real: 1}}
}

// At returns an identity-oriented pose at (x, y, z).
func At(x, y, z float64) Pose {
	return Pose{Pos: r3.Vec{X: x, Y: y, Z: z}, Rot: quat.Number{Real: 1}}
}

// Rotate applies the rotation q to v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	out := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: out.Imag, Y: out.Jmag, Z: out.Kmag}
}

// Normalize scales q to unit length. The zero quaternion becomes identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Combine expresses child (given in parent's frame) in the frame parent is
// expressed in.
func Combine(parent, child Pose) Pose {
	return Pose{
		Pos: r3.Add(parent.Pos, Rotate(parent.Rot, child.Pos)),
		Rot: Normalize(quat.Mul(parent.Rot, child.Rot)),
	}
}

// Subtract expresses child in parent's frame. Both are given in a common frame.
func Subtract(parent, child Pose) Pose {
	inv := quat.Conj(Normalize(parent.Rot))
	return Pose{
		Pos: Rotate(inv, r3.Sub(child.Pos, parent.Pos)),
		Rot: Normalize(quat.Mul(inv, child.Rot)),
	}
}

func Inverse(p Pose) Pose {
	inv := quat.Conj(Normalize(p.Rot))
	return Pose{
		Pos: r3.Scale(-1, Rotate(inv, p.Pos)),
		Rot: inv,
	}
}

// Apply maps a point from p's local frame into the frame p is expressed in.
func Apply(p Pose, point r3.Vec) r3.Vec {
	return r3.Add(p.Pos, Rotate(p.Rot, point))
}

// Offset returns p translated by (dx, dy, dz) in the frame p is expressed in.
func Offset(p Pose, dx, dy, dz float64) Pose {
	p.Pos = r3.Add(p.Pos, r3.Vec{X: dx, Y: dy, Z: dz})
	return p
}

// Distance is the Euclidean distance between the two positions.
func Distance(a, b Pose) float64 {
	return r3.Norm(r3.Sub(a.Pos, b.Pos))
}

// Angle is the smallest rotation angle, in radians, taking a.Rot to b.Rot.
func Angle(a, b Pose) float64 {
	qa, qb := Normalize(a.Rot), Normalize(b.Rot)
	d := math.Abs(qa.Real*qb.Real + qa.Imag*qb.Imag + qa.Jmag*qb.Jmag + qa.Kmag*qb.Kmag)
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}

// FromAxes builds the orientation whose local z axis points along approach
// and whose local x axis points along the finger baseline. The baseline is
// orthogonalised against the approach; a baseline parallel to the approach
// falls back to an arbitrary perpendicular.
func FromAxes(approach, baseline r3.Vec) quat.Number {
	if r3.Norm(approach) == 0 {
		return quat.Number{Real: 1}
	}
	z := r3.Unit(approach)
	x := r3.Sub(baseline, r3.Scale(r3.Dot(baseline, z), z))
	if r3.Norm(x) < 1e-9 {
		x = perpendicular(z)
	}
	x = r3.Unit(x)
	y := r3.Cross(z, x)
	return fromBasis(x, y, z)
}

func perpendicular(v r3.Vec) r3.Vec {
	ref := r3.Vec{X: 1}
	if math.Abs(v.X) > 0.9 {
		ref = r3.Vec{Y: 1}
	}
	return r3.Cross(v, ref)
}

// fromBasis converts the rotation matrix with columns x, y, z to a quaternion.
func fromBasis(x, y, z r3.Vec) quat.Number {
	m00, m01, m02 := x.X, y.X, z.X
	m10, m11, m12 := x.Y, y.Y, z.Y
	m20, m21, m22 := x.Z, y.Z, z.Z

	var q quat.Number
	switch trace := m00 + m11 + m22; {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m21 - m12) * s, Jmag: (m02 - m20) * s, Kmag: (m10 - m01) * s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	return Normalize(q)
}

// FromWXYZ decodes the engine layout (x, y, z, qw, qx, qy, qz).
func FromWXYZ(v [7]float64) Pose {
	return Pose{
		Pos: r3.Vec{X: v[0], Y: v[1], Z: v[2]},
		Rot: Normalize(quat.Number{Real: v[3], Imag: v[4], Jmag: v[5], Kmag: v[6]}),
	}
}

// WXYZ encodes p in the engine layout.
func (p Pose) WXYZ() [7]float64 {
	return [7]float64{p.Pos.X, p.Pos.Y, p.Pos.Z, p.Rot.Real, p.Rot.Imag, p.Rot.Jmag, p.Rot.Kmag}
}

// FromXYZW decodes the controller layout (x, y, z, qx, qy, qz, qw).
func FromXYZW(v [7]float64) Pose {
	return Pose{
		Pos: r3.Vec{X: v[0], Y: v[1], Z: v[2]},
		Rot: Normalize(quat.Number{Real: v[6], Imag: v[3], Jmag: v[4], Kmag: v[5]}),
	}
}

// XYZW encodes p in the controller layout.
func (p Pose) XYZW() [7]float64 {
	return [7]float64{p.Pos.X, p.Pos.Y, p.Pos.Z, p.Rot.Imag, p.Rot.Jmag, p.Rot.Kmag, p.Rot.Real}
}

// IsZero reports whether p is the zero value (not a valid pose).
func (p Pose) IsZero() bool {
	return p == Pose{}
}
