package integration_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/zond/tilehub/identity"
	"github.com/zond/tilehub/server"

	cryptossh "golang.org/x/crypto/ssh"
)

const (
	testSecret = "integration-secret"
)

// TestServer wraps a server instance listening on random local ports, with an operator key
// authorized for the console.
type TestServer struct {
	*server.Server
	tmpDir      string
	sshListener net.Listener
	httpLn      net.Listener
	operator    cryptossh.Signer
	verifier    *identity.HS256Verifier
}

// NewTestServer creates a new test server with random ports.
func NewTestServer() (*TestServer, error) {
	tmpDir, err := os.MkdirTemp("", "tilehub-integration-*")
	if err != nil {
		return nil, err
	}

	_, operatorKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}
	operator, err := cryptossh.NewSignerFromKey(operatorKey)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "authorized_keys"), cryptossh.MarshalAuthorizedKey(operator.PublicKey()), 0600); err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}

	ctx := context.Background()
	config := server.DefaultConfig()
	config.HTTPAddr = "127.0.0.1:0"
	config.SSHAddr = "127.0.0.1:0"
	config.Dir = tmpDir
	config.JWTSecret = testSecret

	srv, err := server.New(ctx, config)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}

	sshLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		srv.Close()
		os.RemoveAll(tmpDir)
		return nil, err
	}

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		sshLn.Close()
		srv.Close()
		os.RemoveAll(tmpDir)
		return nil, err
	}

	ts := &TestServer{
		Server:      srv,
		tmpDir:      tmpDir,
		sshListener: sshLn,
		httpLn:      httpLn,
		operator:    operator,
		verifier:    identity.NewHS256Verifier(testSecret),
	}

	go func() {
		if err := srv.StartWithListeners(ctx, httpLn, sshLn); err != nil {
			fmt.Fprintf(os.Stderr, "server stopped: %v\n", err)
		}
	}()

	// The console key pair is generated before anything is served, which takes a while.
	ready := waitForCondition(30*time.Second, 50*time.Millisecond, func() bool {
		resp, err := http.Get("http://" + ts.HTTPAddr() + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	if !ready {
		ts.Close()
		return nil, fmt.Errorf("server did not become ready")
	}

	return ts, nil
}

// Close shuts down the test server and cleans up.
func (ts *TestServer) Close() {
	ts.Server.Close()
	os.RemoveAll(ts.tmpDir)
}

func (ts *TestServer) SSHAddr() string {
	return ts.sshListener.Addr().String()
}

func (ts *TestServer) HTTPAddr() string {
	return ts.httpLn.Addr().String()
}

// Token returns a bearer token for playerID, signed like the auth service signs them.
func (ts *TestServer) Token(playerID string) (string, error) {
	return ts.verifier.Issue(playerID, playerID, time.Now())
}

// Dir is where the server keeps its state, including the console's authorized_keys.
func (ts *TestServer) Dir() string {
	return ts.tmpDir
}
