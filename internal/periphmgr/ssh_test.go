package periphmgr

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const testSSHPassword = "mpm-bringup"

// fakeBoard answers cat/printf exec requests against an in-memory sysfs
// tree, standing in for the remote board during off-target runs.
type fakeBoard struct {
	mu    sync.Mutex
	files map[string]string
}

func (b *fakeBoard) exec(ch ssh.Channel, cmd string) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case strings.HasPrefix(cmd, "cat "):
		path := strings.Trim(strings.TrimPrefix(cmd, "cat "), "'")
		v, ok := b.files[path]
		if !ok {
			fmt.Fprintf(ch.Stderr(), "cat: %s: No such file or directory\n", path)
			return 1
		}
		io.WriteString(ch, v+"\n")
		return 0
	case strings.HasPrefix(cmd, "printf "):
		parts := strings.SplitN(strings.TrimPrefix(cmd, "printf "), " > ", 2)
		if len(parts) != 2 {
			return 1
		}
		b.files[strings.Trim(parts[1], "'")] = strings.Trim(parts[0], "'")
		return 0
	}
	return 127
}

func (b *fakeBoard) serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func(ch ssh.Channel, requests <-chan *ssh.Request) {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)
				status := b.exec(ch, payload.Command)
				ch.SendRequest("exit-status", false,
					ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}(ch, requests)
	}
}

// startSSHServer runs a loopback SSH server over the fake board and returns
// its host and port.
func startSSHServer(t *testing.T, board *fakeBoard) (string, int) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) != testSSHPassword {
				return nil, fmt.Errorf("wrong password")
			}
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go board.serveConn(conn, cfg)
		}
	}()

	host, portStr, err := net.SplitHostPort(lis.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestSSHSysfsRequiresHost(t *testing.T) {
	_, err := NewSSHSysfs(SSHConfig{})
	require.Error(t, err)
}

func TestSSHSysfsDefaults(t *testing.T) {
	acc, err := NewSSHSysfs(SSHConfig{Host: "board"})
	require.NoError(t, err)
	s := acc.(*sshSysfs)
	require.Equal(t, "root", s.cfg.User)
	require.Equal(t, 22, s.cfg.Port)
	require.Equal(t, "/sys", s.cfg.SysfsRoot)
}

func TestSSHSysfsNoAuthConfigured(t *testing.T) {
	acc, err := NewSSHSysfs(SSHConfig{Host: "board"})
	require.NoError(t, err)
	_, err = acc.ReadAttribute(context.Background(), "class/thermal/thermal_zone0/temp")
	require.ErrorContains(t, err, "no ssh password or key")
}

func TestSSHSysfsRoundTrip(t *testing.T) {
	board := &fakeBoard{files: map[string]string{
		"/sys/class/thermal/thermal_zone0/temp": "48500",
	}}
	host, port := startSSHServer(t, board)

	acc, err := NewSSHSysfs(SSHConfig{
		Host:     host,
		Port:     port,
		User:     "root",
		Password: testSSHPassword,
	})
	require.NoError(t, err)
	defer acc.Close()
	ctx := context.Background()

	v, err := acc.ReadAttribute(ctx, "class/thermal/thermal_zone0/temp")
	require.NoError(t, err)
	require.Equal(t, "48500", v)

	require.NoError(t, acc.WriteAttribute(ctx, "class/leds/led0/brightness", "1"))
	v, err = acc.ReadAttribute(ctx, "class/leds/led0/brightness")
	require.NoError(t, err)
	require.Equal(t, "1", v)

	_, err = acc.ReadAttribute(ctx, "missing/attr")
	require.Error(t, err)
}

func TestSSHSysfsBadPassword(t *testing.T) {
	board := &fakeBoard{files: map[string]string{}}
	host, port := startSSHServer(t, board)

	acc, err := NewSSHSysfs(SSHConfig{
		Host:     host,
		Port:     port,
		Password: "wrong",
	})
	require.NoError(t, err)
	_, err = acc.ReadAttribute(context.Background(), "class/leds/led0/brightness")
	require.Error(t, err)
}

func TestNewRejectsBadSSHConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.SSH = &SSHConfig{}
	_, err := New(cfg, nil)
	require.Error(t, err)
}
