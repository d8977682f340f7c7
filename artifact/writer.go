package artifact

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// CompressedExt is appended to the path of compressed streams.
const CompressedExt = ".zst"

var ErrWriterClosed = errors.New("record stream closed")

// Writer appends JSON records to a file, one per line.
// Every record is on disk when Append returns, so a stream cut short still holds everything appended so far.
type Writer struct {
	path     string
	compress bool

	mu      sync.Mutex
	f       *os.File
	enc     *zstd.Encoder
	out     io.Writer
	hasher  *blake3.Hasher
	records int
	closed  bool
}

type WriterOption func(w *Writer)

// WithCompression compresses the stream with zstd. The path gets CompressedExt appended.
func WithCompression() WriterOption {
	return func(w *Writer) {
		w.compress = true
	}
}

// Create creates the stream at path, creating parent directories as needed.
func Create(path string, opts ...WriterOption) (*Writer, error) {
	w := &Writer{path: path, hasher: blake3.New()}
	for _, o := range opts {
		o(w)
	}
	if w.compress && !strings.HasSuffix(w.path, CompressedExt) {
		w.path += CompressedExt
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating record stream: %w", err)
	}
	w.f = f
	w.out = f
	if w.compress {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("building zstd encoder: %w", err)
		}
		w.enc = enc
		w.out = enc
	}
	return w, nil
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Records() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Append writes v as one line.
func (w *Writer) Append(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if _, err := w.out.Write(b); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	if w.enc != nil {
		// end a zstd block so the record is decodable even if the stream is never closed
		if err := w.enc.Flush(); err != nil {
			return fmt.Errorf("flushing record: %w", err)
		}
	}
	w.hasher.Write(b)
	w.records++
	return nil
}

// Checksum is the hex BLAKE3 digest of the uncompressed bytes appended so far.
func (w *Writer) Checksum() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return hex.EncodeToString(w.hasher.Sum(nil))
}

// Close finishes the stream. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing zstd encoder: %w", err))
		}
	}
	if err := w.f.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("syncing record stream: %w", err))
	}
	if err := w.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing record stream: %w", err))
	}
	return errors.Join(errs...)
}

// Open opens a stream written by Writer, decompressing it if its path ends in CompressedExt.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, CompressedExt) {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("building zstd decoder: %w", err)
	}
	return &decoderCloser{Decoder: dec, f: f}, nil
}

type decoderCloser struct {
	*zstd.Decoder
	f *os.File
}

func (d *decoderCloser) Close() error {
	d.Decoder.Close()
	return d.f.Close()
}

// maxLine bounds one record; response bodies can make network records large.
const maxLine = 16 << 20

// ForEach calls fn with every line of the stream at path. A truncated final line is passed as is.
func ForEach(path string, fn func(line []byte) error) error {
	r, err := Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// HashFile returns the hex BLAKE3 digest of the uncompressed content of the stream at path.
func HashFile(path string) (string, error) {
	r, err := Open(path)
	if err != nil {
		return "", err
	}
	defer r.Close()
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
