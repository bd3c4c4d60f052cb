package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/eigerco/kvbridge/pkg/log"
)

// MaxIdleTimeout defines the maximum duration a connection can be idle before timing out
const MaxIdleTimeout = 5 * time.Minute

// CertValidator performs TLS certificate validation and public key extraction
type CertValidator interface {
	ValidateCertificate(cert *x509.Certificate) error
	ExtractPublicKey(cert *x509.Certificate) (ed25519.PublicKey, error)
}

// ConnectionHandler processes new connections and validates their protocols
type ConnectionHandler interface {
	// OnConnection is called once the handshake of a new connection completes.
	OnConnection(conn *Conn) error
	// GetProtocols returns supported ALPN protocol strings
	GetProtocols() []string
	// ValidateConnection verifies TLS connection parameters
	ValidateConnection(tlsState tls.ConnectionState) error
}

// Config contains all configuration parameters for a Transport
type Config struct {
	TLSCert       *tls.Certificate
	ListenAddr    string // Address to listen on, unused when only dialing
	CertValidator CertValidator
	Handler       ConnectionHandler
}

// Transport manages QUIC connections and their lifecycles
type Transport struct {
	config   Config
	log      zerolog.Logger
	listener *quic.Listener
	mu       sync.RWMutex
	conns    map[string]*Conn // Active connections mapped by peer key
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{} // For clean shutdown of accept loop
}

// NewTransport creates and configures a new transport instance.
func NewTransport(config Config) (*Transport, error) {
	if config.TLSCert == nil {
		return nil, fmt.Errorf("TLS certificate required")
	}
	if config.CertValidator == nil {
		return nil, fmt.Errorf("certificate validator required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("connection handler required")
	}
	if err := config.CertValidator.ValidateCertificate(config.TLSCert.Leaf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		config: config,
		log:    log.Network,
		conns:  make(map[string]*Conn),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (t *Transport) verifyPeer(certs []*x509.Certificate) error {
	if len(certs) == 0 {
		return fmt.Errorf("%w: no peer certificate provided", ErrInvalidCertificate)
	}
	if err := t.config.CertValidator.ValidateCertificate(certs[0]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  MaxIdleTimeout,
		KeepAlivePeriod: MaxIdleTimeout / 3,
	}
}

// Start begins listening on ListenAddr and accepting connections.
func (t *Transport) Start() error {
	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{*t.config.TLSCert},
		NextProtos:         t.config.Handler.GetProtocols(),
		ClientAuth:         tls.RequireAnyClientCert,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if err := t.verifyPeer(cs.PeerCertificates); err != nil {
				return err
			}
			if err := t.config.Handler.ValidateConnection(cs); err != nil {
				return fmt.Errorf("connection validation failed: %v", err)
			}
			return nil
		},
	}

	listener, err := quic.ListenAddr(t.config.ListenAddr, tlsConfig, quicConfig())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}

	t.listener = listener
	t.done = make(chan struct{})
	go func() {
		t.acceptLoop()
		close(t.done)
	}()
	t.log.Info().Str("addr", listener.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the listening address once started.
func (t *Transport) Addr() (net.Addr, error) {
	if t.listener == nil {
		return nil, ErrNotStarted
	}
	return t.listener.Addr(), nil
}

// Stop closes every connection and the listener, waiting for the accept
// loop to finish.
func (t *Transport) Stop() error {
	t.cancel()

	t.mu.Lock()
	for _, conn := range t.conns {
		if err := conn.Close(); err != nil {
			t.log.Warn().Err(err).Msg("failed to close connection")
		}
	}
	t.conns = make(map[string]*Conn)
	t.mu.Unlock()

	if t.listener != nil {
		if err := t.listener.Close(); err != nil {
			return fmt.Errorf("failed to close listener: %w", err)
		}
		<-t.done
	}
	return nil
}

// Connect dials addr. A transport used only for dialing need not be started.
func (t *Transport) Connect(ctx context.Context, addr string) (*Conn, error) {
	tlsConf := &tls.Config{
		Certificates:       []tls.Certificate{*t.config.TLSCert},
		NextProtos:         t.config.Handler.GetProtocols(),
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("%w: no peer certificate provided", ErrInvalidCertificate)
			}
			c, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
			}
			return t.verifyPeer([]*x509.Certificate{c})
		},
	}

	quicConn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	conn := t.handleConnection(quicConn)
	if conn == nil {
		return nil, ErrConnFailed
	}
	return conn, nil
}

// ListConnections returns a slice of all active connections.
func (t *Transport) ListConnections() []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := make([]*Conn, 0, len(t.conns))
	for _, conn := range t.conns {
		conns = append(conns, conn)
	}
	return conns
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.log.Warn().Err(err).Msg("failed to accept connection")
			continue
		}
		go t.handleConnection(conn)
	}
}

func (t *Transport) handleConnection(qConn quic.Connection) *Conn {
	peerCerts := qConn.ConnectionState().TLS.PeerCertificates
	if len(peerCerts) == 0 {
		_ = qConn.CloseWithError(0, ErrInvalidCertificate.Error())
		return nil
	}
	peerKey, err := t.config.CertValidator.ExtractPublicKey(peerCerts[0])
	if err != nil {
		t.log.Warn().Err(err).Msg("failed to extract peer key")
		if cerr := qConn.CloseWithError(0, fmt.Sprintf("%s: %v", ErrInvalidCertificate.Error(), err)); cerr != nil {
			t.log.Warn().Err(cerr).Msg("failed to close connection")
		}
		return nil
	}

	conn := t.manageConnection(peerKey, qConn)
	if err := t.config.Handler.OnConnection(conn); err != nil {
		t.cleanup(conn)
		if cerr := qConn.CloseWithError(0, err.Error()); cerr != nil {
			t.log.Warn().Err(cerr).Msg("failed to close connection")
		}
		return nil
	}

	go func() {
		<-qConn.Context().Done()
		t.cleanup(conn)
	}()
	return conn
}

// manageConnection stores qConn, replacing any connection from the same peer.
func (t *Transport) manageConnection(peerKey ed25519.PublicKey, qConn quic.Connection) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existingConn, exists := t.conns[string(peerKey)]; exists {
		t.log.Debug().Msg("replacing existing connection from peer")
		if err := existingConn.Close(); err != nil {
			t.log.Warn().Err(err).Msg("failed to close existing connection")
		}
	}

	conn := newConn(qConn, t)
	conn.peerKey = peerKey
	t.conns[string(peerKey)] = conn
	return conn
}

// cleanup forgets conn unless it was already replaced.
func (t *Transport) cleanup(conn *Conn) {
	t.mu.Lock()
	if t.conns[string(conn.peerKey)] == conn {
		delete(t.conns, string(conn.peerKey))
	}
	t.mu.Unlock()
}
