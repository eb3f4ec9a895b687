// Package lighthousetest runs an in-process Lighthouse for tests.
package lighthousetest

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/cuemby/spark/pkg/config"
	"github.com/cuemby/spark/pkg/lighthouse"
	"github.com/cuemby/spark/pkg/security"
)

// MachineName is the identity used by the generated client configuration
const MachineName = "spark-test"

// Server is a Lighthouse listening on loopback with freshly generated keys.
// Config and Identity describe a Spark client that it trusts.
type Server struct {
	Addr     string
	Config   *config.Config
	Identity *config.Identity

	grpc *grpc.Server
}

// NewServer starts a Lighthouse serving h. It is stopped when the test ends.
func NewServer(t testing.TB, h lighthouse.Handler) *Server {
	t.Helper()

	dir := t.TempDir()

	serverCert, err := security.GenerateKeyPair("lighthouse", time.Hour)
	require.NoError(t, err)
	clientCert, err := security.GenerateKeyPair(MachineName, time.Hour)
	require.NoError(t, err)

	cfg := &config.Config{
		MachineName:    MachineName,
		MaxJobs:        1,
		KeysDir:        dir,
		WorkspaceRoot:  filepath.Join(dir, "workspace"),
		RunnerCommand:  []string{"true"},
		PollInterval:   10 * time.Millisecond,
		RequestTimeout: time.Second,
		ExpiryBackoff:  50 * time.Millisecond,
		ClientKeyPath:  config.ClientKeyFile(dir, MachineName),
		PeerKeyPath:    config.PeerKeyFile(dir, MachineName),
	}
	require.NoError(t, security.WriteKeyPair(cfg.ClientKeyPath, clientCert))
	require.NoError(t, security.WritePublicCert(cfg.PeerKeyPath, serverCert))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tlsCfg := security.ServerTLSConfig(serverCert, security.PeerKeyFromCert(clientCert.Leaf))
	s := grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsCfg)))
	lighthouse.RegisterServer(s, h)

	go func() {
		_ = s.Serve(ln)
	}()
	t.Cleanup(s.Stop)

	cfg.LighthouseServer = "tcp://" + ln.Addr().String()

	return &Server{
		Addr:   ln.Addr().String(),
		Config: cfg,
		Identity: &config.Identity{
			MachineID:   "0123456789abcdef",
			MachineName: MachineName,
			ClientUUID:  config.ClientUUID(MachineName),
		},
		grpc: s,
	}
}

// Stop shuts the listener down, leaving clients with an unreachable endpoint
func (s *Server) Stop() {
	s.grpc.Stop()
}
