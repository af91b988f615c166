package npyappend_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/tcspc/internal/npyappend"
)

func TestAppenderUint32(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "test_uint32.npy")

	appender, err := npyappend.NewAppender[uint32](filename)
	if err != nil {
		t.Fatalf("Failed to create Appender: %v", err)
	}
	if appender.Tell() != npyappend.HeaderLength {
		t.Fatalf("wrong file length %d after writing header", appender.Tell())
	}

	data := []uint32{0xFE000005, 0x80000000, 3, 0x04019003}
	for i := 0; i < 10; i++ {
		if err := appender.Append(data); err != nil {
			t.Fatalf("Failed to append data: %v", err)
		}
	}
	assert.Equal(t, 40, appender.Len())
	if err := appender.RefreshHeader(); err != nil {
		t.Fatalf("Failed to refresh header: %v", err)
	}
	if appender.Tell() != npyappend.HeaderLength+160 {
		t.Fatalf("wrong file length %d after writing data", appender.Tell())
	}
	require.NoError(t, appender.Close())

	if len(appender.LastHeader) != npyappend.HeaderLength {
		t.Fatalf("Expected header length %d, got %d", npyappend.HeaderLength, len(appender.LastHeader))
	}
	fileData, err := os.ReadFile(filename)
	require.NoError(t, err)
	header := string(fileData[:npyappend.HeaderLength])
	if !strings.Contains(header, "{'descr': '<u4', 'fortran_order': False, 'shape': (40,), }") {
		t.Fatalf("Header does not contain expected shape: %q", header)
	}
	assert.Equal(t, uint16(npyappend.HeaderLength-10), binary.LittleEndian.Uint16(fileData[8:10]))
	assert.True(t, strings.HasSuffix(header, "\n"))
	for i := 0; i < 40; i++ {
		word := binary.LittleEndian.Uint32(fileData[npyappend.HeaderLength+4*i:])
		if word != data[i%4] {
			t.Errorf("word %d = 0x%x, want 0x%x", i, word, data[i%4])
		}
	}
}

func TestAppenderReadBack(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "readback.npy")
	appender, err := npyappend.NewAppender[uint32](filename)
	require.NoError(t, err)
	want := make([]uint32, 1000)
	for i := range want {
		want[i] = uint32(i * 7919)
	}
	require.NoError(t, appender.Append(want[:600]))
	require.NoError(t, appender.RefreshHeader())
	require.NoError(t, appender.Append(want[600:]))
	require.NoError(t, appender.Close())

	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()
	var got []uint32
	require.NoError(t, npyio.Read(f, &got))
	assert.Equal(t, want, got)
}

func TestAppenderEmpty(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "empty.npy")
	appender, err := npyappend.NewAppender[uint16](filename)
	require.NoError(t, err)
	require.NoError(t, appender.Close())
	assert.Contains(t, appender.LastHeader, "'descr': '<u2'")
	assert.Contains(t, appender.LastHeader, "'shape': (0,)")
	assert.Equal(t, filename, appender.Filename())

	_, err = npyappend.NewAppender[uint32](filepath.Join(t.TempDir(), "no", "such", "dir.npy"))
	assert.Error(t, err)
}
