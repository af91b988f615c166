// Package npyappend writes a growing 1-D NumPy .npy file of fixed-size words.
// The header has a fixed length, so it can be rewritten in place with the
// current shape while records are still being appended.
package npyappend

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/usnistgov/tcspc/internal/getbytes"
)

// HeaderLength is the total size in bytes of the header, including the magic string.
const HeaderLength = 128

const magicString = "\x93NUMPY"

// Word is the set of element types an Appender can store.
type Word interface {
	~uint16 | ~uint32 | ~uint64
}

// Appender handles appending words to a .npy file.
type Appender[T Word] struct {
	filename   string
	file       *os.File
	writer     *bufio.Writer
	count      int
	LastHeader string
}

// NewAppender creates (or truncates) filename and writes a header for an empty array.
func NewAppender[T Word](filename string) (*Appender[T], error) {
	if !getbytes.LittleEndian() {
		return nil, fmt.Errorf("npyappend: big-endian hosts are not supported")
	}
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	a := &Appender[T]{
		filename: filename,
		file:     file,
		writer:   bufio.NewWriterSize(file, 1<<16),
	}
	if err := a.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return a, nil
}

// Filename returns the path of the file being written.
func (a *Appender[T]) Filename() string {
	return a.filename
}

// Append appends items to the file. They reach the disk no later than the next
// RefreshHeader or Close.
func (a *Appender[T]) Append(items []T) error {
	if _, err := a.writer.Write(getbytes.FromSlice(items)); err != nil {
		return err
	}
	a.count += len(items)
	return nil
}

// Len returns the number of items appended so far.
func (a *Appender[T]) Len() int {
	return a.count
}

func dtype[T Word]() string {
	var dummy T
	switch any(dummy).(type) {
	case uint16:
		return "<u2"
	case uint32:
		return "<u4"
	}
	return "<u8"
}

// writeHeader writes the numpy version 1.0 header to the start of the file.
func (a *Appender[T]) writeHeader() error {
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%d,), }", dtype[T](), a.count)
	prefix := len(magicString) + 2 + 2 // magic, version, header length
	padding := HeaderLength - prefix - len(dict) - 1
	if padding < 0 {
		return fmt.Errorf("npyappend: header %q too long", dict)
	}
	var b strings.Builder
	b.WriteString(magicString)
	b.WriteString("\x01\x00")
	var hlen [2]byte
	binary.LittleEndian.PutUint16(hlen[:], uint16(HeaderLength-prefix))
	b.Write(hlen[:])
	b.WriteString(dict)
	b.WriteString(strings.Repeat(" ", padding))
	b.WriteString("\n")
	header := b.String()

	a.LastHeader = header
	if _, err := a.file.WriteAt([]byte(header), 0); err != nil {
		return err
	}
	_, err := a.file.Seek(0, 2)
	return err
}

// RefreshHeader flushes buffered items and rewrites the header with the current shape.
func (a *Appender[T]) RefreshHeader() error {
	if err := a.writer.Flush(); err != nil {
		return err
	}
	return a.writeHeader()
}

// Tell returns the file size in bytes, not counting items still in the write buffer.
func (a *Appender[T]) Tell() int64 {
	info, err := a.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close flushes the data, writes the final header and closes the file.
func (a *Appender[T]) Close() error {
	if err := a.RefreshHeader(); err != nil {
		a.file.Close()
		return err
	}
	return a.file.Close()
}
