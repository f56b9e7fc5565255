package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Record framing: len(4) + crc32(4) little-endian, then the payload.
const (
	headerSize      = 8
	defaultFilePerm = 0o644
)

// DefaultMaxPayload bounds a single record so a corrupt length cannot
// allocate unbounded memory.
const DefaultMaxPayload = 4 << 20

var (
	ErrCorruptHeader    = errors.New("wal: corrupt header")
	ErrCorruptPayload   = errors.New("wal: corrupt payload")
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	ErrPayloadTooLarge  = errors.New("wal: payload too large")
)

type Writer struct {
	f  *os.File
	bw *bufio.Writer
	// logical offset, including bytes still buffered
	off int64
}

// OpenWriter opens path for appending. A torn record at the tail (from a
// crash mid-write) is cut off first so new records stay readable.
func OpenWriter(path string, bufSize int) (*Writer, error) {
	if bufSize <= 0 {
		bufSize = 1 << 20
	}
	if err := Repair(path); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &Writer{
		f:   file,
		bw:  bufio.NewWriterSize(file, bufSize),
		off: stat.Size(),
	}, nil
}

func (w *Writer) Append(payload []byte) error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:], crc32.ChecksumIEEE(payload))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	if _, err := w.bw.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	w.off += int64(headerSize + len(payload))
	return nil
}

func (w *Writer) Offset() int64 { return w.off }

// Flush pushes buffered records to the OS and syncs the file.
func (w *Writer) Flush() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

type ReaderOptions struct {
	MaxPayload int
	// AllowTruncatedTail reports a half-written last record as io.EOF
	// instead of a corruption error.
	AllowTruncatedTail bool
	BufferSize         int
}

type Reader struct {
	f   *os.File
	br  *bufio.Reader
	off int64
	buf []byte

	maxPayload int
	allowTail  bool

	truncatedTail  bool
	lastGoodOffset int64
}

func OpenReader(path string, offset int64, opts ReaderOptions) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1 << 20
	}
	maxPayload := opts.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reader{
		f:              f,
		br:             bufio.NewReaderSize(f, opts.BufferSize),
		off:            offset,
		maxPayload:     maxPayload,
		allowTail:      opts.AllowTruncatedTail,
		lastGoodOffset: offset,
	}, nil
}

func (r *Reader) Close() error { return r.f.Close() }

func (r *Reader) TruncatedTail() bool   { return r.truncatedTail }
func (r *Reader) LastGoodOffset() int64 { return r.lastGoodOffset }

// Next returns the next payload. The slice is reused by the following call.
func (r *Reader) Next() ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, r.tail(ErrCorruptHeader)
		}
		return nil, err
	}

	ln := int(binary.LittleEndian.Uint32(hdr[0:4]))
	crc := binary.LittleEndian.Uint32(hdr[4:8])
	if ln < 0 || ln > r.maxPayload {
		return nil, ErrPayloadTooLarge
	}

	if cap(r.buf) < ln {
		r.buf = make([]byte, ln)
	}
	payload := r.buf[:ln]
	if _, err := io.ReadFull(r.br, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, r.tail(ErrCorruptPayload)
		}
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, ErrChecksumMismatch
	}

	r.off += int64(headerSize + ln)
	r.lastGoodOffset = r.off
	return payload, nil
}

func (r *Reader) tail(corrupt error) error {
	r.truncatedTail = true
	if r.allowTail {
		return io.EOF
	}
	return corrupt
}

// Repair truncates a torn tail record. A missing file is not an error.
func Repair(path string) error {
	r, err := OpenReader(path, 0, ReaderOptions{AllowTruncatedTail: true})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for {
		if _, err := r.Next(); err != nil {
			_ = r.Close()
			if !errors.Is(err, io.EOF) {
				return fmt.Errorf("wal repair %s: %w", path, err)
			}
			break
		}
	}
	if !r.TruncatedTail() {
		return nil
	}
	return TruncateTo(path, r.LastGoodOffset())
}

func TruncateTo(path string, offset int64) error {
	if offset < 0 {
		return fmt.Errorf("wal: negative truncate offset %d", offset)
	}
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if offset >= st.Size() {
		return nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Truncate(offset); err != nil {
		return err
	}
	_ = f.Sync()
	return nil
}
