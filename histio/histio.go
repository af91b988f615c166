// Package histio persists histogram grids: one row of delay-time bins per
// input channel.
package histio

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

func checkGrid(counts [][]uint32) (nchan, nbins int, err error) {
	nchan = len(counts)
	if nchan == 0 {
		return 0, 0, fmt.Errorf("histio: grid has no channels")
	}
	nbins = len(counts[0])
	for i, row := range counts {
		if len(row) != nbins {
			return 0, 0, fmt.Errorf("histio: channel %d has %d bins, want %d", i+1, len(row), nbins)
		}
	}
	return nchan, nbins, nil
}

// WriteText writes the grid as a text table: a header naming each channel,
// then one line per delay-time bin with one column per channel.
func WriteText(w io.Writer, counts [][]uint32) error {
	nchan, nbins, err := checkGrid(counts)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for ch := 1; ch <= nchan; ch++ {
		fmt.Fprintf(bw, "  ch%2d ", ch)
	}
	bw.WriteString("\n")
	for bin := 0; bin < nbins; bin++ {
		for ch := 0; ch < nchan; ch++ {
			fmt.Fprintf(bw, "%6d ", counts[ch][bin])
		}
		bw.WriteString("\n")
	}
	return bw.Flush()
}

// ReadText parses a table written by WriteText.
func ReadText(r io.Reader) ([][]uint32, error) {
	br := bufio.NewReader(r)
	header, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("histio: reading header: %w", err)
	}
	nchan := 0
	for i := 0; i+7 <= len(header); i += 7 {
		nchan++
	}
	if nchan == 0 {
		return nil, fmt.Errorf("histio: header %q names no channels", header)
	}
	counts := make([][]uint32, nchan)
	for line := 1; ; line++ {
		row := make([]uint32, nchan)
		for ch := range row {
			if _, err := fmt.Fscan(br, &row[ch]); err != nil {
				if err == io.EOF && ch == 0 {
					return counts, nil
				}
				return nil, fmt.Errorf("histio: line %d: %w", line, err)
			}
		}
		for ch := range row {
			counts[ch] = append(counts[ch], row[ch])
		}
	}
}

// Matrix returns the grid as a channels x bins matrix.
func Matrix(counts [][]uint32) (*mat.Dense, error) {
	nchan, nbins, err := checkGrid(counts)
	if err != nil {
		return nil, err
	}
	m := mat.NewDense(nchan, nbins, nil)
	for ch, row := range counts {
		for bin, c := range row {
			m.Set(ch, bin, float64(c))
		}
	}
	return m, nil
}

// WriteNPY writes the grid as a 2-D float64 NumPy array of shape (channels, bins).
func WriteNPY(w io.Writer, counts [][]uint32) error {
	m, err := Matrix(counts)
	if err != nil {
		return err
	}
	return npyio.Write(w, m)
}

// ReadNPY reads a grid written by WriteNPY.
func ReadNPY(r io.Reader) ([][]uint32, error) {
	var m mat.Dense
	if err := npyio.Read(r, &m); err != nil {
		return nil, err
	}
	nchan, nbins := m.Dims()
	counts := make([][]uint32, nchan)
	for ch := range counts {
		counts[ch] = make([]uint32, nbins)
		for bin := range counts[ch] {
			v := m.At(ch, bin)
			if v < 0 || v > math.MaxUint32 || v != math.Trunc(v) {
				return nil, fmt.Errorf("histio: value %v at [%d,%d] is not a count", v, ch, bin)
			}
			counts[ch][bin] = uint32(v)
		}
	}
	return counts, nil
}

// WriteFiles writes the grid to each named file, choosing the format by the
// extension: ".npy" for NumPy and anything else for text.
func WriteFiles(counts [][]uint32, filenames ...string) error {
	for _, name := range filenames {
		if err := writeFile(name, counts); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(name string, counts [][]uint32) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	write := WriteText
	if len(name) > 4 && name[len(name)-4:] == ".npy" {
		write = WriteNPY
	}
	if err := write(f, counts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
