// Package transport frames JSON-RPC messages with the LSP base protocol headers.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rlch/pyls/metrics"
)

const (
	headerContentLength = "Content-Length"
	headerContentType   = "Content-Type"

	// maxContentLength bounds a single frame body.
	maxContentLength = 64 << 20

	readBufferSize = 64 * 1024
)

var (
	// ErrMissingContentLength is returned when a header block has no Content-Length.
	ErrMissingContentLength = errors.New("transport: missing Content-Length header")
	// ErrInvalidHeader is returned for a header line without a colon or longer
	// than the read buffer.
	ErrInvalidHeader = errors.New("transport: invalid header line")
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("transport: stream closed")
)

// FrameError describes a frame whose headers were valid but whose body could not be
// decoded as a JSON-RPC message. The stream recovers from these.
type FrameError struct {
	Size int64
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("transport: malformed message body (%d bytes): %v", e.Size, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger. At debug level every message is logged in both directions.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Stream) {
		s.logger = logger
	}
}

// WithMetrics records frame counts and sizes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stream) {
		s.metrics = m
	}
}

// Stream implements jsonrpc2.Stream over a byte channel using Content-Length framing.
// Reads are driven by a single goroutine; writes are serialized and flushed per frame.
type Stream struct {
	conn io.ReadWriteCloser
	in   *bufio.Reader

	mu     sync.Mutex
	out    *bufio.Writer
	closed bool

	closeOnce sync.Once
	closeErr  error

	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ jsonrpc2.Stream = (*Stream)(nil)

// New creates a framed stream over conn.
func New(conn io.ReadWriteCloser, opts ...Option) *Stream {
	s := &Stream{
		conn:   conn,
		in:     bufio.NewReaderSize(conn, readBufferSize),
		out:    bufio.NewWriter(conn),
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Read returns the next message. A frame with an undecodable body is answered with a
// ParseError response and skipped; header or I/O failures are returned and end the stream.
func (s *Stream) Read(ctx context.Context) (jsonrpc2.Message, int64, error) {
	var total int64

	for {
		select {
		case <-ctx.Done():
			return nil, total, ctx.Err()
		default:
		}

		data, n, err := s.readFrame()
		total += n

		if err != nil {
			s.metrics.Frame("in", "error", n)

			return nil, total, err
		}

		msg, err := jsonrpc2.DecodeMessage(data)
		if err != nil {
			s.metrics.Frame("in", "malformed", n)

			ferr := &FrameError{Size: int64(len(data)), Err: err}
			s.logger.Warn("Discarding malformed message", zap.Error(ferr))

			if werr := s.replyDecodeError(ctx, err); werr != nil {
				return nil, total, werr
			}

			continue
		}

		s.metrics.Frame("in", "ok", n)
		s.logMessage("<-", msg, data)

		return msg, total, nil
	}
}

// readFrame reads one header block and its body.
func (s *Stream) readFrame() ([]byte, int64, error) {
	var (
		total     int64
		length    int64 = -1
		sawHeader bool
	)

	for {
		raw, err := s.in.ReadSlice('\n')
		total += int64(len(raw))
		line := string(raw)

		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				return nil, total, fmt.Errorf("%w: line exceeds %d bytes", ErrInvalidHeader, readBufferSize)
			}

			if errors.Is(err, io.EOF) && !sawHeader && strings.TrimSpace(line) == "" {
				return nil, total, io.EOF
			}

			return nil, total, fmt.Errorf("reading header: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			if !sawHeader {
				// Blank lines between frames.
				continue
			}

			if length < 0 {
				return nil, total, ErrMissingContentLength
			}

			break
		}

		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, total, fmt.Errorf("%w: %q", ErrInvalidHeader, line)
		}

		value = strings.TrimSpace(value)

		switch {
		case strings.EqualFold(name, headerContentLength):
			length, err = strconv.ParseInt(value, 10, 64)
			if err != nil || length < 0 || length > maxContentLength {
				return nil, total, fmt.Errorf("%w: invalid %s %q", ErrInvalidHeader, headerContentLength, value)
			}
		case strings.EqualFold(name, headerContentType):
			// Only utf-8 JSON is spoken; the value is informational.
		default:
			s.logger.Debug("Ignoring header", zap.String("name", name))
		}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(s.in, data); err != nil {
		return nil, total, fmt.Errorf("reading body: %w", err)
	}

	return data, total + length, nil
}

// Write frames and flushes msg.
func (s *Stream) Write(ctx context.Context, msg jsonrpc2.Message) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshaling message: %w", err)
	}

	n, err := s.writeFrame(data)
	if err != nil {
		return n, err
	}

	s.logMessage("->", msg, data)

	return n, nil
}

func (s *Stream) writeFrame(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	header := headerContentLength + ": " + strconv.Itoa(len(data)) + "\r\n\r\n"

	var total int64

	n, err := s.out.WriteString(header)
	total += int64(n)

	if err == nil {
		n, err = s.out.Write(data)
		total += int64(n)
	}

	if err == nil {
		err = s.out.Flush()
	}

	if err != nil {
		s.metrics.Frame("out", "error", total)

		return total, fmt.Errorf("writing frame: %w", err)
	}

	s.metrics.Frame("out", "ok", total)

	return total, nil
}

// errorResponse is a response whose id is null, which jsonrpc2.Response cannot express.
type errorResponse struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *jsonrpc2.Error `json:"error"`
}

func (s *Stream) replyDecodeError(ctx context.Context, decodeErr error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	rpcErr := jsonrpc2.NewError(jsonrpc2.ParseError, decodeErr.Error())
	if errors.Is(decodeErr, jsonrpc2.ErrInvalidRequest) {
		rpcErr = jsonrpc2.NewError(jsonrpc2.InvalidRequest, "invalid request")
	}

	data, err := json.Marshal(&errorResponse{
		Version: jsonrpc2.Version,
		ID:      json.RawMessage("null"),
		Error:   rpcErr,
	})
	if err != nil {
		return fmt.Errorf("marshaling error response: %w", err)
	}

	_, err = s.writeFrame(data)

	return err
}

// Close closes the underlying connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.closeErr = s.conn.Close()
	})

	return s.closeErr
}

func (s *Stream) logMessage(direction string, msg jsonrpc2.Message, data []byte) {
	if ce := s.logger.Check(zapcore.DebugLevel, "Message"); ce != nil {
		fields := []zap.Field{
			zap.String("direction", direction),
			zap.Int("size", len(data)),
		}

		switch m := msg.(type) {
		case *jsonrpc2.Call:
			fields = append(fields, zap.String("method", m.Method()), zap.String("id", fmt.Sprint(m.ID())))
		case *jsonrpc2.Notification:
			fields = append(fields, zap.String("method", m.Method()))
		case *jsonrpc2.Response:
			fields = append(fields, zap.String("id", fmt.Sprint(m.ID())))
			if m.Err() != nil {
				fields = append(fields, zap.NamedError("rpcError", m.Err()))
			}
		}

		fields = append(fields, zap.ByteString("body", data))
		ce.Write(fields...)
	}
}
