//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"piksel/internal/client"
	"piksel/internal/models"
)

const authSecret = "test-secret-key-must-be-long-enough-for-base64-if-needed"

type TestServer struct {
	APIAddr   string
	AdminAddr string
	BaseURL   string
	DBPath    string
	Cmd       *exec.Cmd
}

func getFreePort(t *testing.T) int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	require.NoError(t, err)

	l, err := net.ListenTCP("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

func startServer(t *testing.T, mode models.EncryptionMode) *TestServer {
	apiPort := getFreePort(t)
	adminPort := getFreePort(t)
	apiAddr := fmt.Sprintf("localhost:%d", apiPort)
	adminAddr := fmt.Sprintf("localhost:%d", adminPort)
	baseURL := fmt.Sprintf("http://%s", apiAddr)

	tmpDB, err := os.CreateTemp("", "piksel-e2e-*.db")
	require.NoError(t, err)
	dbPath := tmpDB.Name()
	_ = tmpDB.Close()

	cmd := exec.Command(serverBinPath)
	cmd.Env = append(os.Environ(),
		"AUTH_SECRET="+authSecret,
		"PIKSEL_CONFIG=",
		"REDIS_URL=",
		fmt.Sprintf("API_ADDR=%s", apiAddr),
		fmt.Sprintf("ADMIN_ADDR=%s", adminAddr),
		fmt.Sprintf("PIKSEL_DB=%s", dbPath),
		fmt.Sprintf("DEFAULT_ENCRYPTION_MODE=%s", mode),
	)

	// Redirect output to stdout/stderr for debugging if needed
	// cmd.Stdout = os.Stdout
	// cmd.Stderr = os.Stderr

	err = cmd.Start()
	require.NoError(t, err)

	// Wait for server to be ready
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", apiAddr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return true
		}
		return false
	}, 5*time.Second, 200*time.Millisecond, "Server failed to start")

	return &TestServer{
		APIAddr:   apiAddr,
		AdminAddr: adminAddr,
		BaseURL:   baseURL,
		DBPath:    dbPath,
		Cmd:       cmd,
	}
}

func (s *TestServer) Stop() {
	if s.Cmd != nil && s.Cmd.Process != nil {
		_ = s.Cmd.Process.Kill()
		_ = s.Cmd.Wait()
	}
	if s.DBPath != "" {
		_ = os.Remove(s.DBPath)
	}
}

// IssueToken mints a session token through the CLI.
func (s *TestServer) IssueToken(t *testing.T, userID string) string {
	cmd := exec.Command(serverBinPath, "-issue-token", userID)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("ADMIN_ADDR=%s", s.AdminAddr),
		"PIKSEL_CONFIG=",
	)

	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "Failed to issue token via CLI: %s", string(output))

	re := regexp.MustCompile(`Token:\s+(\S+)`)
	matches := re.FindStringSubmatch(string(output))
	require.Len(t, matches, 2, "Could not find token in output: %s", string(output))

	return matches[1]
}

type user struct {
	id     string
	api    *client.Client
	stream *client.Stream
}

func (s *TestServer) Connect(t *testing.T, userID string) *user {
	token := s.IssueToken(t, userID)
	stream, err := client.Dial(context.Background(), s.BaseURL, token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stream.Close() })

	u := &user{id: userID, api: client.New(s.BaseURL, token, nil), stream: stream}
	u.expect(t, models.EventPresenceSnapshot)
	return u
}

func (u *user) expect(t *testing.T, typ models.EventType) models.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-u.stream.Events():
			require.True(t, ok, "stream of %s closed: %v", u.id, u.stream.Err())
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("%s: timeout waiting for %s", u.id, typ)
			return models.Event{}
		}
	}
}

func (u *user) join(t *testing.T, convID string) {
	t.Helper()
	require.NoError(t, u.stream.Join(convID))
	ev := u.expect(t, models.EventJoined)
	require.Equal(t, convID, ev.ConversationID)
}
