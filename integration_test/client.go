package integration_test

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zond/tilehub/chunk"

	goccy "github.com/goccy/go-json"
	cryptossh "golang.org/x/crypto/ssh"
)

const (
	defaultWaitTimeout = 5 * time.Second
)

// terminalClient wraps an SSH console session for testing.
type terminalClient struct {
	conn    *cryptossh.Client
	session *cryptossh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	readCh  chan readResult
	done    chan struct{}
}

// readResult holds data from the background reader goroutine.
type readResult struct {
	data []byte
	err  error
}

func newTerminalClient(addr string, signer cryptossh.Signer) (*terminalClient, error) {
	config := &cryptossh.ClientConfig{
		User: "operator",
		Auth: []cryptossh.AuthMethod{cryptossh.PublicKeys(signer)},
		// InsecureIgnoreHostKey is acceptable here because we're connecting to a
		// test server we just started with a freshly generated key.
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	conn, err := cryptossh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	session, err := conn.NewSession()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := session.RequestPty("xterm", 24, 120, cryptossh.TerminalModes{}); err != nil {
		session.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to request pty: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	tc := &terminalClient{
		conn:    conn,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		done:    make(chan struct{}),
	}
	tc.startReader()
	return tc, nil
}

func (tc *terminalClient) sendLine(s string) error {
	if _, err := tc.stdin.Write([]byte(s + "\r")); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// startReader starts a background reader goroutine. Must be called once after creating terminalClient.
func (tc *terminalClient) startReader() {
	tc.readCh = make(chan readResult, 100)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := tc.stdout.Read(buf)
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case tc.readCh <- readResult{data: data, err: err}:
			case <-tc.done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// readUntil reads from stdout until the timeout expires or the match function returns true.
func (tc *terminalClient) readUntil(timeout time.Duration, match func(string) bool) string {
	var result strings.Builder
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return result.String()
		}
		select {
		case r := <-tc.readCh:
			if r.err != nil {
				return result.String()
			}
			result.Write(r.data)
			if match != nil && match(result.String()) {
				return result.String()
			}
		case <-time.After(remaining):
			return result.String()
		}
	}
}

// waitFor reads until every expected string has appeared or timeout.
func (tc *terminalClient) waitFor(timeout time.Duration, expected ...string) (string, bool) {
	containsAll := func(s string) bool {
		for _, e := range expected {
			if !strings.Contains(s, e) {
				return false
			}
		}
		return true
	}
	output := tc.readUntil(timeout, containsAll)
	return output, containsAll(output)
}

// run sends a console command and waits for its output to contain every expected string.
func (tc *terminalClient) run(line string, expected ...string) (string, error) {
	if err := tc.sendLine(line); err != nil {
		return "", err
	}
	output, ok := tc.waitFor(defaultWaitTimeout, expected...)
	if !ok {
		return output, fmt.Errorf("%q: wanted %q, got %q", line, expected, output)
	}
	return output, nil
}

func (tc *terminalClient) Close() {
	close(tc.done)
	tc.stdin.Close()
	tc.session.Close()
	tc.conn.Close()
}

// wsMessage holds the fields of every outbound message kind.
type wsMessage struct {
	Type         string   `json:"type"`
	Data         any      `json:"data"`
	ChunkID      chunk.ID `json:"chunk_id"`
	TotalPlayers int      `json:"total_players"`
	Code         string   `json:"code"`
	Message      string   `json:"message"`
	Position     [2]int   `json:"position"`
}

// wsClient is a websocket player. Everything the server sends is kept, in order.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
	msgs []wsMessage
	err  error
	done chan struct{}
}

func newWSClient(addr, token string) (*wsClient, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	c := &wsClient{conn: conn, done: make(chan struct{})}
	go c.read()
	return c, nil
}

func (c *wsClient) read() {
	defer close(c.done)
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		msg := wsMessage{}
		if err := goccy.Unmarshal(b, &msg); err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("decoding %q: %w", b, err)
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		c.mu.Unlock()
	}
}

// mark returns a position to wait for messages after.
func (c *wsClient) mark() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// waitFor returns the first message after since of type typ that match accepts.
func (c *wsClient) waitFor(since int, typ string, match func(wsMessage) bool) (wsMessage, error) {
	var found wsMessage
	ok := waitForCondition(defaultWaitTimeout, 10*time.Millisecond, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, m := range c.msgs[min(since, len(c.msgs)):] {
			if m.Type == typ && (match == nil || match(m)) {
				found = m
				return true
			}
		}
		return false
	})
	if !ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		return wsMessage{}, fmt.Errorf("no matching %q message among %+v (read error %v)", typ, c.msgs[min(since, len(c.msgs)):], c.err)
	}
	return found, nil
}

func (c *wsClient) send(command, content string) error {
	return c.conn.WriteJSON(map[string]string{"command": command, "content": content})
}

func (c *wsClient) Close() {
	c.conn.Close()
	<-c.done
}
