package lighthouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cuemby/spark/pkg/config"
	"github.com/cuemby/spark/pkg/log"
	"github.com/cuemby/spark/pkg/security"
)

const (
	serviceName   = "lighthouse.Lighthouse"
	requestMethod = "/" + serviceName + "/Request"

	// IdentityMetadataKey carries the connection identity (the machine name)
	IdentityMetadataKey = "x-spark-identity"
)

// ErrRequestInFlight is returned when SendAndAwait is called while another
// request on the same channel has not completed
var ErrRequestInFlight = errors.New("a request is already outstanding on this channel")

// ConnectError reports that the transport to the Lighthouse could not be set up
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Status is the result kind of one request/reply exchange
type Status int

const (
	// Delivered means a reply frame arrived. An empty reply is still Delivered.
	Delivered Status = iota
	// Expired means no reply arrived within the timeout
	Expired
	// Terminated means the channel or the caller's context was stopped mid-wait
	Terminated
	// Failed means the exchange broke for another reason, see Outcome.Err
	Failed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Expired:
		return "expired"
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of SendAndAwait
type Outcome struct {
	Status Status
	Reply  string
	Err    error
}

// Channel owns the single authenticated connection to the Lighthouse
type Channel struct {
	endpoint    string
	target      string
	machineName string
	keepAlive   time.Duration

	cert *tls.Certificate
	peer *security.PeerKey

	mu   sync.Mutex
	conn *grpc.ClientConn

	inFlight  atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

// Open loads the key material named by cfg and connects to the Lighthouse.
// Key problems return a *security.KeyLoadError, transport problems a *ConnectError.
func Open(cfg *config.Config, identity *config.Identity) (*Channel, error) {
	cert, err := security.LoadClientKeyPair(cfg.ClientKeyPath)
	if err != nil {
		return nil, err
	}

	peer, err := security.LoadPeerKey(cfg.PeerKeyPath)
	if err != nil {
		return nil, err
	}

	target, err := ParseEndpoint(cfg.SchedulerEndpoint())
	if err != nil {
		return nil, &ConnectError{Endpoint: cfg.SchedulerEndpoint(), Err: err}
	}

	c := &Channel{
		endpoint:    cfg.SchedulerEndpoint(),
		target:      target,
		machineName: identity.MachineName,
		keepAlive:   cfg.KeepAliveTime,
		cert:        cert,
		peer:        peer,
		closeCh:     make(chan struct{}),
	}

	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn = conn

	logger := log.WithComponent("lighthouse")
	logger.Debug().
		Fields(security.GetCertInfo(cert.Leaf)).
		Str("endpoint", c.endpoint).
		Msg("Loaded client certificate")

	if security.CertNeedsRotation(cert.Leaf) {
		logger.Warn().
			Str("path", cfg.ClientKeyPath).
			Dur("remaining", security.GetCertTimeRemaining(cert.Leaf)).
			Msg("Client certificate expires soon")
	}

	return c, nil
}

// ParseEndpoint accepts "tcp://host:port" or "host:port" and returns the
// gRPC target
func ParseEndpoint(endpoint string) (string, error) {
	addr := endpoint
	if scheme, rest, ok := strings.Cut(endpoint, "://"); ok {
		if scheme != "tcp" {
			return "", fmt.Errorf("unsupported transport %q", scheme)
		}
		addr = rest
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("malformed address %q: %w", endpoint, err)
	}
	if host == "" || host == "*" {
		return "", fmt.Errorf("malformed address %q: missing host", endpoint)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("malformed address %q: invalid port", endpoint)
	}

	return net.JoinHostPort(host, port), nil
}

// dial creates a new client connection. The connection is lazy; calls wait
// for it to become ready until their deadline.
func (c *Channel) dial() (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(security.ClientTLSConfig(c.cert, c.peer))

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithUserAgent(c.machineName),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
	}
	if c.keepAlive > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.keepAlive,
			Timeout:             c.keepAlive,
			PermitWithoutStream: true,
		}))
	}

	conn, err := grpc.NewClient(c.target, opts...)
	if err != nil {
		return nil, &ConnectError{Endpoint: c.endpoint, Err: err}
	}
	conn.Connect()

	return conn, nil
}

// Endpoint returns the configured Lighthouse address
func (c *Channel) Endpoint() string {
	return c.endpoint
}

// SendAndAwait writes message as one frame and blocks until a reply arrives,
// timeout elapses, or the channel or ctx is stopped. Only one request may be
// outstanding at a time.
func (c *Channel) SendAndAwait(ctx context.Context, message string, timeout time.Duration) Outcome {
	if !c.inFlight.CompareAndSwap(false, true) {
		return Outcome{Status: Failed, Err: ErrRequestInFlight}
	}
	defer c.inFlight.Store(false)

	if c.terminated(ctx) {
		return Outcome{Status: Terminated}
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return Outcome{Status: Terminated}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Closing the channel aborts the wait
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-callCtx.Done():
		}
	}()

	callCtx = metadata.AppendToOutgoingContext(callCtx, IdentityMetadataKey, c.machineName)

	reply := &wrapperspb.StringValue{}
	err := conn.Invoke(callCtx, requestMethod, wrapperspb.String(message), reply)
	if err == nil {
		return Outcome{Status: Delivered, Reply: reply.GetValue()}
	}

	if c.terminated(ctx) {
		return Outcome{Status: Terminated, Err: err}
	}
	if status.Code(err) == codes.DeadlineExceeded || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return Outcome{Status: Expired, Err: err}
	}
	return Outcome{Status: Failed, Err: err}
}

func (c *Channel) terminated(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

// Reconnect dials a new connection and swaps it in for the current one. When
// dialing fails the current connection stays in use. Key material is reused;
// an explicit reconfiguration should Open a new Channel instead.
func (c *Channel) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated(context.Background()) {
		return errors.New("channel is closed")
	}

	conn, err := c.dial()
	if err != nil {
		return err
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn

	logger := log.WithComponent("lighthouse")
	logger.Info().Str("endpoint", c.endpoint).Msg("Reconnected to Lighthouse")
	return nil
}

// Close terminates any pending request and closes the connection
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
