package histio

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGrid() [][]uint32 {
	counts := make([][]uint32, 3)
	for ch := range counts {
		counts[ch] = make([]uint32, 5)
		for bin := range counts[ch] {
			counts[ch][bin] = uint32(100*ch + bin)
		}
	}
	counts[2][4] = 4294967295
	return counts
}

func TestWriteText(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteText(&b, testGrid()))
	lines := strings.Split(b.String(), "\n")
	assert.Equal(t, "  ch 1   ch 2   ch 3 ", lines[0])
	assert.Equal(t, "     0    100    200 ", lines[1])
	assert.Equal(t, "     4    104 4294967295 ", lines[5])
	assert.Len(t, lines, 7, "header, 5 bins and a trailing empty string")

	got, err := ReadText(strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Equal(t, testGrid(), got)
}

func TestBadGrids(t *testing.T) {
	var b bytes.Buffer
	assert.Error(t, WriteText(&b, nil))
	assert.Error(t, WriteText(&b, [][]uint32{{1, 2}, {3}}))
	assert.Error(t, WriteNPY(&b, [][]uint32{}))
	_, err := ReadText(strings.NewReader(""))
	assert.Error(t, err)
}

func TestNPYRoundTrip(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteNPY(&b, testGrid()))
	got, err := ReadNPY(&b)
	require.NoError(t, err)
	assert.Equal(t, testGrid(), got)

	m, err := Matrix(testGrid())
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 5, c)
	assert.Equal(t, 203.0, m.At(2, 3))
}

func TestWriteFiles(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "hist.dat")
	npy := filepath.Join(dir, "hist.npy")
	require.NoError(t, WriteFiles(testGrid(), txt, npy))

	f, err := os.Open(npy)
	require.NoError(t, err)
	defer f.Close()
	got, err := ReadNPY(f)
	require.NoError(t, err)
	assert.Equal(t, testGrid(), got)

	data, err := os.ReadFile(txt)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "  ch 1 "))

	assert.Error(t, WriteFiles(testGrid(), filepath.Join(dir, "missing", "x.dat")))
}
