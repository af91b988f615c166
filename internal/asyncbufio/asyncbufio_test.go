package asyncbufio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWrite(t *testing.T) {
	f, err := os.CreateTemp("", "example")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name()) // clean up

	var expected strings.Builder
	w := NewWriter(f, 10, time.Second)
	buf := make([]byte, 0, 64)
	for i := range 100 {
		// Reuse buf: the writer must have copied the earlier contents.
		buf = fmt.Appendf(buf[:0], "Line of text %3d\n", i)
		expected.Write(buf)
		if _, err := w.Write(buf); err != nil {
			t.Errorf("Write() error %v", err)
		}
		if i%25 == 19 {
			w.Flush()
		}
	}
	w.WriteString("Last line\n")
	expected.WriteString("Last line\n")
	if err := w.Close(); err != nil {
		t.Errorf("Close() error %v", err)
	}
	f.Close()

	actual, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if string(actual) != expected.String() {
		t.Errorf("file contents differ from what was written:\n%s", actual)
	}

	// Tricky way to test for an expected panic:
	defer func() { recover() }()
	w.Flush()
	t.Errorf("asyncbufio.Writer.Flush() after .Close() did not panic")
}

func TestCloseTwice(t *testing.T) {
	var b bytes.Buffer
	w := NewWriter(&b, 100, time.Second)
	w.Close()

	defer func() { recover() }()
	w.Close()
	t.Errorf("asyncbufio.Writer.Close() after .Close() did not panic")
}

// slowWriter is an io.Writer that is safe to inspect while the Writer runs.
type slowWriter struct {
	sync.Mutex
	b bytes.Buffer
}

func (s *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	s.Lock()
	defer s.Unlock()
	return s.b.Write(p)
}

func TestBlocksInsteadOfDropping(t *testing.T) {
	var sw slowWriter
	w := NewWriter(&sw, 1, 5*time.Millisecond)
	const n = 50
	for i := range n {
		// Each line is bigger than the bufio buffer, so every write reaches sw.
		line := strings.Repeat(fmt.Sprintf("%d", i%10), 5000)
		if _, err := w.WriteString(line); err != nil {
			t.Fatalf("WriteString() error %v", err)
		}
	}
	assert.NoError(t, w.Close())
	assert.Equal(t, n*5000, sw.b.Len())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestErrorReported(t *testing.T) {
	w := NewWriter(failingWriter{}, 10, time.Hour)
	w.WriteString("hello\n")
	err := w.Flush()
	assert.Error(t, err)
	_, err = w.WriteString("more\n")
	assert.Error(t, err)
	assert.Error(t, w.Close())
}
