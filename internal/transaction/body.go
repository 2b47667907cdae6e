package transaction

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

var (
	// ErrBodyEnded is returned when data is appended after End.
	ErrBodyEnded = errors.New("transaction: body already ended")
)

// Body accumulates one direction of a proxied exchange. Chunks are kept in
// memory until the total crosses maxSize, at which point the body switches
// irreversibly to a disk-backed temp file. A single warning callback fires
// when the total crosses warnSize.
type Body struct {
	mu       sync.Mutex
	chunks   [][]byte
	size     int64
	maxSize  int64
	warnSize int64
	warned   bool
	ended    bool

	file *os.File

	ContentType     string
	ContentEncoding string

	// OnLarge fires once when the body crosses warnSize, before any disk
	// spill. May be nil.
	OnLarge func(size int64)
}

// NewBody creates a body sink. warnSize defaults to half of maxSize.
func NewBody(maxSize int64) *Body {
	return &Body{maxSize: maxSize, warnSize: maxSize / 2}
}

// Append adds a chunk. Returns ErrBodyEnded after End.
func (b *Body) Append(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return ErrBodyEnded
	}
	b.size += int64(len(p))

	if !b.warned && b.warnSize > 0 && b.size > b.warnSize {
		b.warned = true
		if b.OnLarge != nil {
			b.OnLarge(b.size)
		}
	}

	if b.file != nil {
		_, err := b.file.Write(p)
		return err
	}

	if b.maxSize > 0 && b.size > b.maxSize {
		return b.spillLocked(p)
	}

	cp := make([]byte, len(p))
	copy(cp, p)
	b.chunks = append(b.chunks, cp)
	return nil
}

// spillLocked moves the accumulated chunks plus p to a temp file and clears
// the in-memory list. Called at most once.
func (b *Body) spillLocked(p []byte) error {
	f, err := os.CreateTemp("", "netsleuth-body-*")
	if err != nil {
		return fmt.Errorf("transaction: body spill: %w", err)
	}
	for _, c := range b.chunks {
		if _, err := f.Write(c); err != nil {
			f.Close()
			os.Remove(f.Name())
			return err
		}
	}
	if _, err := f.Write(p); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	b.chunks = nil
	b.file = f
	return nil
}

// End seals the body. Ending twice is an error: the protocol delivers exactly
// one end signal per direction.
func (b *Body) End() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return ErrBodyEnded
	}
	b.ended = true
	return nil
}

// Ended reports whether End has been called.
func (b *Body) Ended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended
}

// Size returns the total bytes appended so far.
func (b *Body) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Spilled reports whether the body went to disk.
func (b *Body) Spilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file != nil
}

// ChunkCount is exposed for tests and memory accounting.
func (b *Body) ChunkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// raw returns the accumulated bytes regardless of backing.
func (b *Body) raw() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		if _, err := b.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return io.ReadAll(b.file)
	}
	return bytes.Join(b.chunks, nil), nil
}

// Release removes any disk backing. Safe to call more than once.
func (b *Body) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		name := b.file.Name()
		b.file.Close()
		os.Remove(name)
		b.file = nil
	}
	b.chunks = nil
}

// Data returns the body for display: content-encoding is undone, text is
// transcoded to UTF-8, and binary data comes back base64-encoded with
// isBinary set.
func (b *Body) Data() (data []byte, isBinary bool, err error) {
	raw, err := b.raw()
	if err != nil {
		return nil, false, err
	}
	decoded, err := decodeContentEncoding(raw, b.ContentEncoding)
	if err != nil {
		// Undecodable payloads are shown as-is rather than dropped.
		decoded = raw
	}
	mediatype, params := parseContentType(b.ContentType)
	if !isTextType(mediatype) {
		return []byte(base64.StdEncoding.EncodeToString(decoded)), true, nil
	}
	if cs := params["charset"]; cs != "" && !strings.EqualFold(cs, "utf-8") {
		if enc, err := htmlindex.Get(cs); err == nil {
			if out, _, err := transform.Bytes(enc.NewDecoder(), decoded); err == nil {
				decoded = out
			}
		}
	}
	return decoded, false, nil
}

func decodeContentEncoding(raw []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return raw, nil
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		// Some servers send raw deflate, others zlib-wrapped.
		if r, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer r.Close()
			if out, err := io.ReadAll(r); err == nil {
				return out, nil
			}
		}
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		return io.ReadAll(fr)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
	default:
		return nil, fmt.Errorf("transaction: unsupported content-encoding %q", encoding)
	}
}

func parseContentType(ct string) (string, map[string]string) {
	if ct == "" {
		return "", nil
	}
	mediatype, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct)), nil
	}
	return mediatype, params
}

func isTextType(mediatype string) bool {
	if strings.HasPrefix(mediatype, "text/") {
		return true
	}
	switch mediatype {
	case "application/json", "application/javascript", "application/xml",
		"application/x-www-form-urlencoded", "application/xhtml+xml":
		return true
	}
	return strings.HasSuffix(mediatype, "+json") || strings.HasSuffix(mediatype, "+xml")
}
