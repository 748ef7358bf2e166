// Package gifti provides a reader for GIFTI functional surface files
// (.func.gii): per-hemisphere vertex time series stored as XML data
// arrays with base64 (optionally gzip) payloads.
package gifti

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

type giftiDoc struct {
	XMLName    xml.Name    `xml:"GIFTI"`
	DataArrays []dataArray `xml:"DataArray"`
}

type dataArray struct {
	DataType string `xml:"DataType,attr"`
	Encoding string `xml:"Encoding,attr"`
	Endian   string `xml:"Endian,attr"`
	Dim0     int    `xml:"Dim0,attr"`
	Data     string `xml:"Data"`
}

// Surface holds one hemisphere's functional time series: one value per
// vertex per time point.
type Surface struct {
	NVertices int
	NT        int
	// data is time-major: data[t][vertex].
	data [][]float64
}

// Load reads a .func.gii file. Each DataArray becomes one time point.
func Load(path string) (*Surface, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gifti: %w", err)
	}
	return Decode(raw)
}

// Decode parses a GIFTI XML byte stream.
func Decode(raw []byte) (*Surface, error) {
	var doc giftiDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse gifti xml: %w", err)
	}
	if len(doc.DataArrays) == 0 {
		return nil, fmt.Errorf("gifti file contains no data arrays")
	}

	s := &Surface{NT: len(doc.DataArrays)}
	for t, da := range doc.DataArrays {
		values, err := decodeArray(da)
		if err != nil {
			return nil, fmt.Errorf("data array %d: %w", t, err)
		}
		if s.NVertices == 0 {
			s.NVertices = len(values)
		} else if len(values) != s.NVertices {
			return nil, fmt.Errorf("data array %d: vertex count %d does not match %d", t, len(values), s.NVertices)
		}
		s.data = append(s.data, values)
	}
	return s, nil
}

func decodeArray(da dataArray) ([]float64, error) {
	if da.DataType != "" && da.DataType != "NIFTI_TYPE_FLOAT32" {
		return nil, fmt.Errorf("unsupported datatype %q", da.DataType)
	}

	var payload []byte
	switch da.Encoding {
	case "ASCII":
		return decodeASCII(da.Data, da.Dim0)
	case "Base64Binary", "GZipBase64Binary", "":
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(da.Data))
		if err != nil {
			return nil, fmt.Errorf("bad base64 payload: %w", err)
		}
		payload = b
	default:
		return nil, fmt.Errorf("unsupported encoding %q", da.Encoding)
	}

	if da.Encoding == "GZipBase64Binary" {
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("bad gzip payload: %w", err)
		}
		defer gz.Close()
		payload, err = io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
	}

	order := byteOrder(da.Endian)
	n := len(payload) / 4
	if da.Dim0 > 0 && n < da.Dim0 {
		return nil, fmt.Errorf("short payload: %d values, Dim0=%d", n, da.Dim0)
	}
	if da.Dim0 > 0 {
		n = da.Dim0
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = float64(math.Float32frombits(order.Uint32(payload[i*4:])))
	}
	return out, nil
}

func decodeASCII(data string, dim0 int) ([]float64, error) {
	fields := strings.Fields(data)
	if dim0 > 0 && len(fields) < dim0 {
		return nil, fmt.Errorf("short ascii payload: %d values, Dim0=%d", len(fields), dim0)
	}
	if dim0 > 0 {
		fields = fields[:dim0]
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("bad ascii value %q: %w", f, err)
		}
		out[i] = v
	}
	return out, nil
}

func byteOrder(endian string) binary.ByteOrder {
	if endian == "BigEndian" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// At returns the value at one vertex and time point, NaN out of range.
func (s *Surface) At(vertex, t int) float64 {
	if t < 0 || t >= s.NT || vertex < 0 || vertex >= s.NVertices {
		return math.NaN()
	}
	return s.data[t][vertex]
}

// VertexValues returns the full per-vertex array at one time point.
func (s *Surface) VertexValues(t int) []float64 {
	if t < 0 {
		t = 0
	}
	if t >= s.NT {
		t = s.NT - 1
	}
	out := make([]float64, s.NVertices)
	copy(out, s.data[t])
	return out
}

// TimeSeries copies the signal at one vertex.
func (s *Surface) TimeSeries(vertex int) []float64 {
	out := make([]float64, s.NT)
	for t := 0; t < s.NT; t++ {
		out[t] = s.At(vertex, t)
	}
	return out
}
