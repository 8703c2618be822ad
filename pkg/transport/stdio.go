package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/mcp-toolserver/pkg/connection"
	mcperrors "github.com/ajitpratap0/mcp-toolserver/pkg/errors"
	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
	"github.com/ajitpratap0/mcp-toolserver/pkg/server"
)

var errLineTooLong = errors.New("message line too long")

// StdioOption configures a StdioListener
type StdioOption func(*StdioListener)

// WithStdioStreams replaces standard input and output
func WithStdioStreams(in io.Reader, out io.Writer) StdioOption {
	return func(l *StdioListener) {
		l.in = in
		l.out = out
	}
}

// WithStdioCredentials attaches credentials to the single stdio connection
func WithStdioCredentials(credentials string) StdioOption {
	return func(l *StdioListener) {
		l.credentials = credentials
	}
}

// WithMaxLineBytes bounds a single message line
func WithMaxLineBytes(n int) StdioOption {
	return func(l *StdioListener) {
		l.maxLine = n
	}
}

// StdioListener serves one connection over newline-delimited JSON on
// standard input and output. Each line is one message; each response is
// written as one line. Notifications produce no output.
type StdioListener struct {
	rt          server.Runtime
	logger      logging.Logger
	in          io.Reader
	out         io.Writer
	credentials string
	maxLine     int

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *connection.Connection
	group    *errgroup.Group
	cancel   context.CancelFunc
	stopping atomic.Bool
	done     chan struct{}
}

// NewStdioListener creates a listener serving rt
func NewStdioListener(rt server.Runtime, options ...StdioOption) *StdioListener {
	logger := rt.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	l := &StdioListener{
		rt:      rt,
		logger:  logger.WithFields(logging.String(logging.FieldComponent, "StdioListener")),
		in:      os.Stdin,
		out:     os.Stdout,
		maxLine: int(DefaultMaxBodyBytes),
		done:    make(chan struct{}),
	}
	for _, option := range options {
		option(l)
	}
	return l
}

// StdioListenerFactory returns a server.ListenerFactory building a StdioListener.
// The built listener is also sent to created, when non-nil, so callers can wait on Done.
func StdioListenerFactory(created chan<- *StdioListener, options ...StdioOption) server.ListenerFactory {
	return func(rt server.Runtime) (server.Listener, error) {
		l := NewStdioListener(rt, options...)
		if created != nil {
			select {
			case created <- l:
			default:
			}
		}
		return l, nil
	}
}

// Start admits the stdio connection and starts reading input
func (l *StdioListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return nil
	}

	conn := connection.New("stdio",
		connection.WithCredentials(l.credentials),
		connection.WithMetadata(map[string]string{server.MetadataUserAgent: "stdio"}),
	)
	if !l.rt.Connections.HandleConnection(conn) {
		return errConnectionLimit
	}
	if l.credentials != "" {
		if _, err := l.rt.Processor.Authenticate(ctx, conn); err != nil {
			l.logger.WithError(err).Warn("Authentication failed")
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g := new(errgroup.Group)

	g.Go(func() error {
		defer close(l.done)
		return l.readLoop(runCtx, conn)
	})

	// closing the input unblocks the reader when the connection goes away
	g.Go(func() error {
		select {
		case <-conn.Done():
			if closer, ok := l.in.(io.Closer); ok {
				_ = closer.Close()
			}
		case <-l.done:
		}
		return nil
	})

	l.conn, l.group, l.cancel = conn, g, cancel
	l.logger.Info("Stdio listener started", logging.String(logging.FieldConnectionID, conn.ID()))
	return nil
}

func (l *StdioListener) readLoop(ctx context.Context, conn *connection.Connection) error {
	reader := bufio.NewReaderSize(l.in, min(64*1024, l.maxLine))

	for {
		line, err := l.readLine(reader)
		if errors.Is(err, errLineTooLong) {
			l.logger.Warn("Dropped oversized message",
				logging.String(logging.FieldConnectionID, conn.ID()),
				logging.Int("max_bytes", l.maxLine))
			if werr := l.write(l.oversizedResponse()); werr != nil {
				l.rt.Connections.HandleConnectionError(conn, werr)
				return fmt.Errorf("writing response: %w", werr)
			}
			continue
		}
		if err != nil {
			l.rt.Connections.HandleConnectionClosed(conn)
			if errors.Is(err, io.EOF) || l.stopping.Load() || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				l.logger.Debug("Stdio input closed")
				return nil
			}
			l.logger.WithError(err).Error("Reading stdio input failed")
			return fmt.Errorf("reading input: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if conn.IsClosed() {
			return nil
		}

		var resp []byte
		conn.Serialize(func() {
			resp = l.rt.Processor.ProcessMessage(ctx, conn, line)
		})
		if resp == nil {
			continue
		}
		if err := l.write(resp); err != nil {
			l.rt.Connections.HandleConnectionError(conn, err)
			return fmt.Errorf("writing response: %w", err)
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// maxLine is consumed up to its newline and reported as errLineTooLong, so
// reading can resume with the following line. A final unterminated line is
// returned before io.EOF.
func (l *StdioListener) readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	overflow := false

	for {
		chunk, err := r.ReadSlice('\n')
		if !overflow {
			line = append(line, chunk...)
			if len(bytes.TrimRight(line, "\r\n")) > l.maxLine {
				overflow, line = true, nil
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case overflow:
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return nil, errLineTooLong
		case err != nil:
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return line, nil
			}
			return nil, err
		default:
			return line, nil
		}
	}
}

// oversizedResponse answers a dropped line; its id could not be read
func (l *StdioListener) oversizedResponse() []byte {
	resp := mcperrors.ToJSONRPCResponse(
		mcperrors.InvalidRequest(fmt.Sprintf("message exceeds %d bytes", l.maxLine)), nil)
	data, _ := json.Marshal(resp)
	return data
}

func (l *StdioListener) write(resp []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if _, err := l.out.Write(append(resp, '\n')); err != nil {
		return err
	}
	return nil
}

// Stop closes the connection and waits for the reader until ctx is done
func (l *StdioListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	conn, g, cancel := l.conn, l.group, l.cancel
	l.mu.Unlock()

	if conn == nil {
		return nil
	}

	l.stopping.Store(true)
	cancel()
	l.rt.Connections.HandleConnectionClosed(conn)

	waited := make(chan error, 1)
	go func() { waited <- g.Wait() }()

	select {
	case err := <-waited:
		return err
	case <-ctx.Done():
		return fmt.Errorf("stopping stdio listener: %w", ctx.Err())
	}
}

// Done is closed once the input is exhausted or the connection is closed
func (l *StdioListener) Done() <-chan struct{} {
	return l.done
}
