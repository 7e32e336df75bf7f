// Package appendablenpy writes 2-D float64 arrays in numpy's *.npy format
// one row at a time. The row count in the header is rewritten after every
// append, so the file can be loaded between appends.
package appendablenpy

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// npy file header must be a multiple of 64 bytes
const headerUnits = 64

// maxRowDigits is the room left in the header for the row count.
const maxRowDigits = 10

const preheaderSize = 10

// Writer appends rows of a fixed width to an .npy file.
type Writer struct {
	fp         *os.File
	width      int
	rows       int
	headerSize int
}

// Create creates the named file and writes the header of an empty array with
// rows of width values.
func Create(name string, width int) (*Writer, error) {
	if width < 1 {
		return nil, fmt.Errorf("row width %d, must be positive", width)
	}
	fp, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	w := &Writer{fp: fp, width: width}
	dictMax := len(w.dict()) + maxRowDigits
	nunits := (preheaderSize + dictMax + 1 + headerUnits - 1) / headerUnits
	w.headerSize = nunits * headerUnits
	if _, err := fp.Write(w.header()); err != nil {
		fp.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) dict() string {
	return fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d, %d), }", w.rows, w.width)
}

// header returns the full header, padded with spaces plus one newline to headerSize.
func (w *Writer) header() []byte {
	h := make([]byte, 0, w.headerSize)
	h = append(h, 0x93, 'N', 'U', 'M', 'P', 'Y', 0x01, 0x00)
	// Header length after the preheader, little-endian.
	n := w.headerSize - preheaderSize
	h = append(h, byte(n%256), byte(n/256))
	h = append(h, w.dict()...)
	for len(h) < w.headerSize-1 {
		h = append(h, ' ')
	}
	return append(h, '\n')
}

// Append writes one row and updates the row count in the header.
func (w *Writer) Append(row []float64) error {
	if len(row) != w.width {
		return fmt.Errorf("row of %d values, want %d", len(row), w.width)
	}
	buf := make([]byte, 8*len(row))
	for i, v := range row {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	offset := int64(w.headerSize) + int64(w.rows)*int64(len(buf))
	if _, err := w.fp.WriteAt(buf, offset); err != nil {
		return err
	}
	w.rows++
	_, err := w.fp.WriteAt(w.header(), 0)
	return err
}

// Rows returns the number of rows written.
func (w *Writer) Rows() int { return w.rows }

// Width returns the number of values in each row.
func (w *Writer) Width() int { return w.width }

// Close closes the file.
func (w *Writer) Close() error {
	return w.fp.Close()
}
