package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"liarslie/internal/proto"
)

const (
	alpnProto            = "liarslie-quic"
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
)

var log = logrus.WithField("pkg", "network")

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert builds the deterministic loopback certificate shared by
// every process in a game instance. Transport encryption is not part of
// the trust model; claim authenticity rests on claim signatures alone.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("liarslie-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnProto},
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// Handler consumes one request payload and returns the response payload,
// or nil when no response is owed (kill messages).
type Handler func(payload []byte) []byte

// Listener accepts framed request/response exchanges, one per stream.
type Listener struct {
	ql *quic.Listener
}

// Listen binds addr (":0" picks a free port) and returns the listener.
func Listen(addr string) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return &Listener{ql: ql}, nil
}

func (l *Listener) Addr() string {
	return l.ql.Addr().String()
}

func (l *Listener) Close() error {
	return l.ql.Close()
}

// Serve runs the accept loop until the listener is closed. Each stream
// carries exactly one framed request and at most one framed response.
func (l *Listener) Serve(handle Handler) error {
	for {
		conn, err := l.ql.Accept(context.Background())
		if err != nil {
			return err
		}
		go func(c *quic.Conn) {
			for {
				stream, err := c.AcceptStream(context.Background())
				if err != nil {
					log.WithError(err).Debug("accept stream")
					return
				}
				go func(s *quic.Stream) {
					defer s.Close()
					payload, err := proto.ReadFrame(s)
					if err != nil {
						log.WithError(err).Debug("read request frame")
						return
					}
					resp := handle(payload)
					if len(resp) == 0 {
						return
					}
					if err := proto.WriteFrame(s, resp); err != nil {
						log.WithError(err).Debug("write response frame")
					}
				}(stream)
			}
		}(conn)
	}
}

// Client dials agents and runs framed request/response exchanges.
type Client struct{}

func NewClient() *Client {
	return &Client{}
}

// Request sends payload to addr and waits for the single framed reply.
// The deadline comes entirely from ctx; a peer that never answers costs
// exactly the caller's timeout.
func (c *Client) Request(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	conn, stream, err := c.open(ctx, addr, payload)
	if err != nil {
		return nil, err
	}
	defer conn.CloseWithError(0, "")
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	resp, err := proto.ReadFrame(stream)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Send transmits payload without expecting a reply. It waits for the
// peer to finish the stream before tearing the connection down, so the
// payload is not lost to an immediate close.
func (c *Client) Send(ctx context.Context, addr string, payload []byte) error {
	conn, stream, err := c.open(ctx, addr, payload)
	if err != nil {
		return err
	}
	defer conn.CloseWithError(0, "")
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	_, err = stream.Read(make([]byte, 1))
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	// Peer tear-down mid-read still means the payload arrived.
	return nil
}

func (c *Client) open(ctx context.Context, addr string, payload []byte) (*quic.Conn, *quic.Stream, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, nil, err
	}
	if err := proto.WriteFrame(stream, payload); err != nil {
		conn.CloseWithError(0, "")
		return nil, nil, err
	}
	// Half-close the send side so the peer sees a complete request.
	if err := stream.Close(); err != nil {
		conn.CloseWithError(0, "")
		return nil, nil, err
	}
	return conn, stream, nil
}
