// Package nifti provides a reader for NIfTI-1 volumes (.nii, .nii.gz).
//
// Only what the viewer needs is supported: single-file volumes, the
// common scalar dtypes, scl_slope/scl_inter intensity scaling, and the
// sform (falling back to the qform quaternion, then to plain pixdim
// scaling) for voxel-to-world display coordinates.
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const headerSize = 348

// dtype codes from the NIfTI-1 standard.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtUint16  = 512
)

type header struct {
	SizeofHdr                    int32
	DataType                     [10]byte
	DbName                       [18]byte
	Extents                      int32
	SessionError                 int16
	Regular                      byte
	DimInfo                      byte
	Dim                          [8]int16
	IntentP1, IntentP2, IntentP3 float32
	IntentCode                   int16
	Datatype                     int16
	Bitpix                       int16
	SliceStart                   int16
	Pixdim                       [8]float32
	VoxOffset                    float32
	SclSlope                     float32
	SclInter                     float32
	SliceEnd                     int16
	SliceCode                    byte
	XyztUnits                    byte
	CalMax                       float32
	CalMin                       float32
	SliceDuration                float32
	Toffset                      float32
	Glmax                        int32
	Glmin                        int32
	Descrip                      [80]byte
	AuxFile                      [24]byte
	QformCode                    int16
	SformCode                    int16
	QuaternB, QuaternC, QuaternD float32
	QoffsetX, QoffsetY, QoffsetZ float32
	SrowX                        [4]float32
	SrowY                        [4]float32
	SrowZ                        [4]float32
	IntentName                   [16]byte
	Magic                        [4]byte
}

// Volume is a fully decoded 3-D or 4-D image. Data is stored x-fastest
// (x, then y, then z, then t), already slope/intercept scaled.
type Volume struct {
	NX, NY, NZ, NT int
	// TR is the repetition time in seconds (pixdim[4]); zero when the
	// file does not carry one.
	TR float64
	// Affine maps voxel indices to world (scanner) coordinates.
	Affine [3][4]float64

	Data []float64
}

// Load reads a NIfTI-1 file. Files ending in .gz are decompressed
// transparently.
func Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open nifti: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read nifti: %w", err)
	}
	return Decode(raw)
}

// Decode parses a NIfTI-1 byte stream.
func Decode(raw []byte) (*Volume, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("nifti too short: %d bytes", len(raw))
	}

	var hdr header
	order := byteOrder(raw)
	if order == nil {
		return nil, fmt.Errorf("not a nifti-1 file: bad sizeof_hdr")
	}
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
		return nil, fmt.Errorf("failed to parse nifti header: %w", err)
	}
	if m := string(hdr.Magic[:3]); m != "n+1" && m != "ni1" {
		return nil, fmt.Errorf("not a nifti-1 file: magic %q", m)
	}

	ndim := int(hdr.Dim[0])
	if ndim < 3 || ndim > 4 {
		return nil, fmt.Errorf("unsupported dimensionality: %d", ndim)
	}
	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	nt := 1
	if ndim == 4 {
		nt = int(hdr.Dim[4])
	}
	if nx <= 0 || ny <= 0 || nz <= 0 || nt <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%dx%dx%d", nx, ny, nz, nt)
	}

	offset := int(hdr.VoxOffset)
	if offset < headerSize {
		offset = headerSize
	}
	if offset > len(raw) {
		return nil, fmt.Errorf("vox_offset %d beyond file size %d", offset, len(raw))
	}

	n := nx * ny * nz * nt
	data, err := decodeVoxels(raw[offset:], order, int(hdr.Datatype), n)
	if err != nil {
		return nil, err
	}

	slope := float64(hdr.SclSlope)
	inter := float64(hdr.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	v := &Volume{
		NX:   nx,
		NY:   ny,
		NZ:   nz,
		NT:   nt,
		TR:   float64(hdr.Pixdim[4]),
		Data: data,
	}
	v.Affine = affineFromHeader(&hdr)
	return v, nil
}

func byteOrder(raw []byte) binary.ByteOrder {
	if binary.LittleEndian.Uint32(raw[:4]) == headerSize {
		return binary.LittleEndian
	}
	if binary.BigEndian.Uint32(raw[:4]) == headerSize {
		return binary.BigEndian
	}
	return nil
}

func decodeVoxels(raw []byte, order binary.ByteOrder, dtype, n int) ([]float64, error) {
	var width int
	switch dtype {
	case dtUint8:
		width = 1
	case dtInt16, dtUint16:
		width = 2
	case dtInt32, dtFloat32:
		width = 4
	case dtFloat64:
		width = 8
	default:
		return nil, fmt.Errorf("unsupported nifti datatype: %d", dtype)
	}
	if len(raw) < n*width {
		return nil, fmt.Errorf("truncated voxel data: need %d bytes, have %d", n*width, len(raw))
	}

	out := make([]float64, n)
	switch dtype {
	case dtUint8:
		for i := 0; i < n; i++ {
			out[i] = float64(raw[i])
		}
	case dtInt16:
		for i := 0; i < n; i++ {
			out[i] = float64(int16(order.Uint16(raw[i*2:])))
		}
	case dtUint16:
		for i := 0; i < n; i++ {
			out[i] = float64(order.Uint16(raw[i*2:]))
		}
	case dtInt32:
		for i := 0; i < n; i++ {
			out[i] = float64(int32(order.Uint32(raw[i*4:])))
		}
	case dtFloat32:
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(order.Uint32(raw[i*4:])))
		}
	case dtFloat64:
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(order.Uint64(raw[i*8:]))
		}
	}
	return out, nil
}

func affineFromHeader(hdr *header) [3][4]float64 {
	if hdr.SformCode > 0 {
		var a [3][4]float64
		for j := 0; j < 4; j++ {
			a[0][j] = float64(hdr.SrowX[j])
			a[1][j] = float64(hdr.SrowY[j])
			a[2][j] = float64(hdr.SrowZ[j])
		}
		return a
	}
	if hdr.QformCode > 0 {
		return qformAffine(hdr)
	}
	// No orientation: scale by pixdim, origin at voxel (0,0,0).
	return [3][4]float64{
		{float64(hdr.Pixdim[1]), 0, 0, 0},
		{0, float64(hdr.Pixdim[2]), 0, 0},
		{0, 0, float64(hdr.Pixdim[3]), 0},
	}
}

// qformAffine reconstructs the affine from the header quaternion. The
// real component a comes from the unit-quaternion constraint, and
// pixdim[0] carries the handedness (qfac) applied to the third column.
func qformAffine(hdr *header) [3][4]float64 {
	b := float64(hdr.QuaternB)
	c := float64(hdr.QuaternC)
	d := float64(hdr.QuaternD)
	a := 1 - b*b - c*c - d*d
	if a < 0 {
		a = 0
	}
	a = math.Sqrt(a)

	rot := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - b*b - c*c},
	}

	dx := float64(hdr.Pixdim[1])
	dy := float64(hdr.Pixdim[2])
	dz := float64(hdr.Pixdim[3])
	if hdr.Pixdim[0] < 0 {
		dz = -dz
	}

	return [3][4]float64{
		{rot[0][0] * dx, rot[0][1] * dy, rot[0][2] * dz, float64(hdr.QoffsetX)},
		{rot[1][0] * dx, rot[1][1] * dy, rot[1][2] * dz, float64(hdr.QoffsetY)},
		{rot[2][0] * dx, rot[2][1] * dy, rot[2][2] * dz, float64(hdr.QoffsetZ)},
	}
}

func (v *Volume) index(x, y, z, t int) int {
	return ((t*v.NZ+z)*v.NY+y)*v.NX + x
}

// At returns the voxel value at (x,y,z) and time t. Out-of-range
// indices return NaN rather than panicking; navigation clamps before it
// gets here, but analysis code probes freely.
func (v *Volume) At(x, y, z, t int) float64 {
	if x < 0 || x >= v.NX || y < 0 || y >= v.NY || z < 0 || z >= v.NZ || t < 0 || t >= v.NT {
		return math.NaN()
	}
	return v.Data[v.index(x, y, z, t)]
}

// TimeSeries copies the full signal at one voxel.
func (v *Volume) TimeSeries(x, y, z int) []float64 {
	out := make([]float64, v.NT)
	for t := 0; t < v.NT; t++ {
		out[t] = v.At(x, y, z, t)
	}
	return out
}

// VoxelToWorld applies the affine to a voxel index for display.
func (v *Volume) VoxelToWorld(x, y, z int) [3]float64 {
	fx, fy, fz := float64(x), float64(y), float64(z)
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = v.Affine[i][0]*fx + v.Affine[i][1]*fy + v.Affine[i][2]*fz + v.Affine[i][3]
	}
	return out
}

// Range scans the global intensity range, ignoring NaNs.
func (v *Volume) Range() (min, max float64) {
	min = math.Inf(1)
	max = math.Inf(-1)
	for _, val := range v.Data {
		if math.IsNaN(val) {
			continue
		}
		if val < min {
			min = val
		}
		if val > max {
			max = val
		}
	}
	if min > max {
		return 0, 0
	}
	return min, max
}
