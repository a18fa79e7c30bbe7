package bitio

// Matrix is the 3x3 transformation matrix of mvhd and tkhd:
//
//	| A B U |
//	| C D V |
//	| X Y W |
//
// A, B, C, D, X and Y are 16.16 fixed point, U, V and W are 2.30.
type Matrix struct {
	A, B, U float64
	C, D, V float64
	X, Y, W float64
}

// IdentityMatrix is the default transformation.
var IdentityMatrix = Matrix{A: 1, D: 1, W: 1}

// RotationMatrix returns the matrix for a clockwise rotation of 0, 90, 180 or 270 degrees.
func RotationMatrix(degrees int, width, height float64) Matrix {
	switch ((degrees % 360) + 360) % 360 {
	case 90:
		return Matrix{B: 1, C: -1, X: height, W: 1}
	case 180:
		return Matrix{A: -1, D: -1, X: width, Y: height, W: 1}
	case 270:
		return Matrix{B: -1, C: 1, Y: width, W: 1}
	}
	return IdentityMatrix
}

func (Matrix) Size() int {
	return 36
}

func (m Matrix) Write(w *Writer) {
	w.WriteFixed16_16(m.A)
	w.WriteFixed16_16(m.B)
	w.WriteFixed2_30(m.U)
	w.WriteFixed16_16(m.C)
	w.WriteFixed16_16(m.D)
	w.WriteFixed2_30(m.V)
	w.WriteFixed16_16(m.X)
	w.WriteFixed16_16(m.Y)
	w.WriteFixed2_30(m.W)
}
