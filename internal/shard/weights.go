package shard

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/gonum/mat"
)

// LoadRawBinary fills mats in order from a file of little-endian float32
// values, row-major. The file must hold exactly the values the matrices need.
func LoadRawBinary(path string, mats ...*mat.Dense) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	defer file.Close()

	for i, m := range mats {
		if err := loadDense(file, m); err != nil {
			return fmt.Errorf("%w: failed to load matrix %d from %s: %v", ErrConfig, i, path, err)
		}
	}
	var extra [1]byte
	if n, _ := file.Read(extra[:]); n != 0 {
		return fmt.Errorf("%w: trailing data in %s", ErrConfig, path)
	}
	return nil
}

// WriteRawBinary is the inverse of LoadRawBinary.
func WriteRawBinary(path string, mats ...*mat.Dense) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	for _, m := range mats {
		raw := m.RawMatrix().Data
		f32s := make([]float32, len(raw))
		for i, v := range raw {
			f32s[i] = float32(v)
		}
		if err := binary.Write(file, binary.LittleEndian, f32s); err != nil {
			file.Close()
			return fmt.Errorf("failed to write weights: %w", err)
		}
	}
	return file.Close()
}

func loadDense(r io.Reader, d *mat.Dense) error {
	rows, cols := d.Dims()
	// Weights on disk are float32; read them in one go and widen.
	f32s := make([]float32, rows*cols)
	if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
		return err
	}
	raw := d.RawMatrix().Data
	for i, v := range f32s {
		raw[i] = float64(v)
	}
	return nil
}
