package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// StreamTimeout bounds a single request stream from open to close.
const StreamTimeout = 30 * time.Second

// Conn is a QUIC connection carrying one request per bidirectional stream.
// Its context is cancelled when the connection closes from either side.
type Conn struct {
	QConn     quic.Connection
	transport *Transport
	peerKey   ed25519.PublicKey
	ctx       context.Context
	cancel    context.CancelFunc
}

func newConn(qConn quic.Connection, transport *Transport) *Conn {
	ctx, cancel := context.WithCancel(qConn.Context())
	return &Conn{
		QConn:     qConn,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func streamDeadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(StreamTimeout)
}

// OpenStream opens a request stream. Reads and writes on it fail once ctx's
// deadline passes, or StreamTimeout from now when ctx has none.
func (c *Conn) OpenStream(ctx context.Context) (quic.Stream, error) {
	stream, err := c.QConn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	if err := stream.SetDeadline(streamDeadline(ctx)); err != nil {
		stream.CancelWrite(0)
		stream.CancelRead(0)
		return nil, fmt.Errorf("failed to set stream deadline: %w", err)
	}
	return stream, nil
}

// AcceptStream waits for the peer to open a stream.
func (c *Conn) AcceptStream() (quic.Stream, error) {
	stream, err := c.QConn.AcceptStream(c.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept QUIC stream: %w", err)
	}
	return stream, nil
}

// ServeStreams runs handle on every stream the peer opens, each in its own
// goroutine with a StreamTimeout deadline, and closes the stream afterwards.
// It returns when the connection closes and every handler has finished.
func (c *Conn) ServeStreams(handle func(stream quic.Stream)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		stream, err := c.AcceptStream()
		if err != nil {
			return err
		}
		if err := stream.SetDeadline(time.Now().Add(StreamTimeout)); err != nil {
			c.transport.log.Warn().Err(err).Msg("failed to set stream deadline")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer stream.Close() //nolint:errcheck // the peer sees a reset either way
			handle(stream)
		}()
	}
}

// PeerKey returns the ed25519 key from the peer's certificate.
func (c *Conn) PeerKey() ed25519.PublicKey {
	return c.peerKey
}

// Close closes the connection and cancels every stream on it.
func (c *Conn) Close() error {
	c.cancel()
	return c.QConn.CloseWithError(0, "")
}

func (c *Conn) Context() context.Context {
	return c.ctx
}
