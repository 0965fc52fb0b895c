package rule

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// DefaultMaxBufferedBody is the largest body Buffer will hold in memory (10MB).
const DefaultMaxBufferedBody = 10 * 1024 * 1024

// ErrBodyTooLarge is returned by Buffer when the body exceeds the limit. The
// body is still fully readable through Reader.
var ErrBodyTooLarge = errors.New("body exceeds buffer limit")

// Body is a lazily read request body. Until Buffer is called the bytes stay
// on the wire, so a passthrough handler streams them straight to the
// destination.
type Body struct {
	mu       sync.Mutex
	src      io.Reader
	buf      []byte
	buffered bool
	partial  bool
	err      error
	encoding string
	limit    int64
	taken    bool

	// Decoded form of buf, computed once.
	decoded    []byte
	decodeErr  error
	decodeDone bool
}

// NewBody wraps a streaming body. encoding is the request's Content-Encoding.
func NewBody(src io.Reader, encoding string) *Body {
	if src == nil {
		src = http.NoBody
	}
	return &Body{src: src, encoding: encoding, limit: DefaultMaxBufferedBody}
}

// BytesBody returns an already-buffered body.
func BytesBody(b []byte, encoding string) *Body {
	return &Body{src: http.NoBody, buf: b, buffered: true, encoding: encoding, limit: DefaultMaxBufferedBody}
}

// WithLimit sets the buffering limit and returns b.
func (b *Body) WithLimit(n int64) *Body {
	b.mu.Lock()
	b.limit = n
	b.decoded, b.decodeErr, b.decodeDone = nil, nil, false
	b.mu.Unlock()
	return b
}

// Encoding returns the Content-Encoding the body was sent with.
func (b *Body) Encoding() string { return b.encoding }

// Buffer reads the whole body into memory. It is safe to call repeatedly.
func (b *Body) Buffer() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buffered || b.partial {
		return b.err
	}
	if b.taken {
		return errors.New("body already streamed")
	}

	data, err := io.ReadAll(io.LimitReader(b.src, b.limit+1))
	switch {
	case err != nil:
		b.buf, b.partial, b.err = data, true, err
	case int64(len(data)) > b.limit:
		b.buf, b.partial, b.err = data, true, ErrBodyTooLarge
	default:
		b.buf, b.buffered = data, true
	}
	return b.err
}

// Buffered returns the body if it has been fully buffered. It never reads
// from the wire, which keeps body matchers free of I/O.
func (b *Body) Buffered() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf, b.buffered
}

// Bytes buffers the body if needed and returns it.
func (b *Body) Bytes() ([]byte, error) {
	if err := b.Buffer(); err != nil {
		return nil, err
	}
	data, _ := b.Buffered()
	return data, nil
}

// Text returns the body as a string.
func (b *Body) Text() (string, error) {
	data, err := b.Bytes()
	return string(data), err
}

// Decoded returns the body with its Content-Encoding removed. The decoded
// size is bounded by the same limit as the raw body; ErrBodyTooLarge is
// returned when it is exceeded.
func (b *Body) Decoded() ([]byte, error) {
	if err := b.Buffer(); err != nil {
		return nil, err
	}
	data, _, err := b.decodedBuffered()
	return data, err
}

// decodedBuffered decodes the buffered body on first use and caches the
// result. ok is false when the body has not been fully buffered.
func (b *Body) decodedBuffered() (data []byte, ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.buffered {
		return nil, false, nil
	}
	if !b.decodeDone {
		b.decoded, b.decodeErr = DecodeLimit(b.buf, b.encoding, b.limit)
		b.decodeDone = true
	}
	return b.decoded, true, b.decodeErr
}

// Reader returns a reader over the complete body: the buffered prefix, if
// any, followed by whatever is still on the wire. The stream can be taken
// once; later calls only see the buffered bytes.
func (b *Body) Reader() io.Reader {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buffered {
		return bytes.NewReader(b.buf)
	}
	if b.taken {
		return bytes.NewReader(b.buf)
	}
	b.taken = true
	if b.partial {
		return io.MultiReader(bytes.NewReader(b.buf), b.src)
	}
	return b.src
}

// Decode removes the content codings listed in encoding from data. Codings
// are undone in reverse order of application.
func Decode(data []byte, encoding string) ([]byte, error) {
	return DecodeLimit(data, encoding, 0)
}

// DecodeLimit is like Decode but fails with ErrBodyTooLarge as soon as any
// decoding step produces more than limit bytes. A limit <= 0 means no limit.
func DecodeLimit(data []byte, encoding string, limit int64) ([]byte, error) {
	codings := strings.Split(encoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var r io.Reader
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("gzip: %w", err)
			}
			r = zr
		case "deflate":
			zr, err := zlib.NewReader(bytes.NewReader(data))
			if err != nil {
				// Some clients send raw deflate without the zlib wrapper.
				r = flate.NewReader(bytes.NewReader(data))
			} else {
				r = zr
			}
		case "zstd":
			zr, err := zstd.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("zstd: %w", err)
			}
			out, err := readLimited(zr, limit)
			zr.Close()
			if err != nil {
				return nil, wrapDecodeErr(coding, err)
			}
			data = out
			continue
		case "br":
			r = brotli.NewReader(bytes.NewReader(data))
		default:
			return nil, fmt.Errorf("unsupported content encoding %q", coding)
		}

		out, err := readLimited(r, limit)
		if err != nil {
			return nil, wrapDecodeErr(coding, err)
		}
		data = out
	}
	return data, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrBodyTooLarge
	}
	return out, nil
}

func wrapDecodeErr(coding string, err error) error {
	if errors.Is(err, ErrBodyTooLarge) {
		return fmt.Errorf("%s: decoded %w", coding, err)
	}
	return fmt.Errorf("%s: %w", coding, err)
}
