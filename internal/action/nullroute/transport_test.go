package nullroute

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"FlowGuard/internal/action"
	"FlowGuard/internal/config"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func listen(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return ln, host, p
}

// startTelnetRouter accepts one session and hangs up after the second exit.
func startTelnetRouter(t *testing.T) (string, int, <-chan []string) {
	ln, host, port := listen(t)
	out := make(chan []string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var lines []string
		exits := 0
		sc := bufio.NewScanner(conn)
		for exits < 2 && sc.Scan() {
			lines = append(lines, sc.Text())
			if sc.Text() == "exit" {
				exits++
			}
		}
		io.WriteString(conn, "router# bye\n")
		out <- lines
	}()
	return host, port, out
}

func TestTelnetConversation(t *testing.T) {
	r := require.New(t)
	host, port, out := startTelnetRouter(t)

	n, err := New(config.NullRouteConfig{
		User: "ops", Pass: "secret", Protocol: "telnet", Port: port, NullRouteTag: intPtr(666), Timeout: "5s",
		Targets: []config.RouterTarget{{Host: host}},
	})
	r.NoError(err)
	r.NoError(n.Execute(context.Background(), action.Event{Kind: action.Unban, Addr: netip.MustParseAddr("192.0.2.1")}))

	select {
	case lines := <-out:
		r.Equal([]string{
			"ops", "secret", "conf t",
			"no ip route 192.0.2.1 255.255.255.255 Null0 tag 666",
			"exit", "exit",
		}, lines)
	case <-time.After(5 * time.Second):
		t.Fatal("router never saw the session")
	}
}

func TestTelnetConnectionRefused(t *testing.T) {
	ln, host, port := listen(t)
	ln.Close()
	_, err := dialTelnet(context.Background(), Target{Host: host, Port: port, Timeout: time.Second})
	require.Error(t, err)
}

type sshRouter struct {
	addr    string
	host    string
	port    int
	hostKey ssh.Signer
	lines   chan []string
}

// startSSHRouter serves one shell session that prompts before and acknowledges
// after every command.
func startSSHRouter(t *testing.T, clientKey ssh.PublicKey) *sshRouter {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "ops" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if clientKey != nil && string(key.Marshal()) == string(clientKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostKey)

	ln, host, port := listen(t)
	rt := &sshRouter{addr: ln.Addr().String(), host: host, port: port, hostKey: hostKey, lines: make(chan []string, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
		if err != nil {
			return
		}
		go ssh.DiscardRequests(reqs)
		for nc := range chans {
			if nc.ChannelType() != "session" {
				nc.Reject(ssh.UnknownChannelType, "unsupported")
				continue
			}
			ch, creqs, err := nc.Accept()
			if err != nil {
				return
			}
			go func() {
				for req := range creqs {
					req.Reply(req.Type == "pty-req" || req.Type == "shell", nil)
				}
			}()
			io.WriteString(ch, "router#\n")
			var lines []string
			sc := bufio.NewScanner(ch)
			for sc.Scan() {
				lines = append(lines, sc.Text())
				io.WriteString(ch, "ok\nrouter#\n")
			}
			rt.lines <- lines
			ch.Close()
		}
	}()
	return rt
}

func (rt *sshRouter) knownHosts(t *testing.T, key ssh.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(rt.addr)}, key)
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))
	return path
}

func (rt *sshRouter) received(t *testing.T) []string {
	t.Helper()
	select {
	case lines := <-rt.lines:
		return lines
	case <-time.After(5 * time.Second):
		t.Fatal("router never saw the session")
	}
	return nil
}

func TestSSHPasswordConversation(t *testing.T) {
	r := require.New(t)
	rt := startSSHRouter(t, nil)

	n, err := New(config.NullRouteConfig{
		User: "ops", Pass: "secret", EnablePassword: "hunter2", Port: rt.port, NullRouteTag: intPtr(666),
		KnownHosts: rt.knownHosts(t, rt.hostKey.PublicKey()), Timeout: "5s",
		Targets: []config.RouterTarget{{Host: rt.host}},
	})
	r.NoError(err)
	r.NoError(n.Execute(context.Background(), action.Event{Kind: action.Ban, Addr: netip.MustParseAddr("192.0.2.1")}))

	r.Equal([]string{
		"enable", "hunter2", "conf t",
		"ip route 192.0.2.1 255.255.255.255 Null0 tag 666",
		"exit", "exit",
	}, rt.received(t))
}

func TestSSHKeyAuth(t *testing.T) {
	r := require.New(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	r.NoError(err)
	sshPub, err := ssh.NewPublicKey(pub)
	r.NoError(err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	r.NoError(err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "id_ed25519")
	pubPath := filepath.Join(dir, "id_ed25519.pub")
	r.NoError(os.WriteFile(privPath, pem.EncodeToMemory(block), 0o600))
	r.NoError(os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(sshPub), 0o644))

	rt := startSSHRouter(t, sshPub)
	n, err := New(config.NullRouteConfig{
		User: "ops", Pass: "wrong", PrivKey: privPath, PubKey: pubPath, Port: rt.port, Type: "vyatta", Timeout: "5s",
		Targets: []config.RouterTarget{{Host: rt.host}},
	})
	r.NoError(err)
	r.NoError(n.Execute(context.Background(), action.Event{Kind: action.Ban, Addr: netip.MustParseAddr("2001:db8::1")}))
	r.Equal([]string{
		"configure", "set protocols static route6 2001:db8::1/128 blackhole", "commit", "save", "exit", "exit",
	}, rt.received(t))
}

func TestSSHRejectsUnknownHostKey(t *testing.T) {
	rt := startSSHRouter(t, nil)
	other, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherKey, err := ssh.NewPublicKey(other)
	require.NoError(t, err)

	_, err = dialSSH(context.Background(), Target{
		Host: rt.host, Port: rt.port, User: "ops", Pass: "secret",
		KnownHosts: rt.knownHosts(t, otherKey), Timeout: 5 * time.Second,
	})
	require.ErrorContains(t, err, "handshake")
}

func TestSSHConfigNeedsCredentials(t *testing.T) {
	_, err := sshClientConfig(Target{Host: "r1"})
	require.ErrorContains(t, err, "no ssh credentials")
}

func TestLoadSignerRejectsMismatchedPublicKey(t *testing.T) {
	r := require.New(t)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	r.NoError(err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	r.NoError(err)
	sshOther, err := ssh.NewPublicKey(otherPub)
	r.NoError(err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	r.NoError(err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "key")
	pubPath := filepath.Join(dir, "key.pub")
	r.NoError(os.WriteFile(privPath, pem.EncodeToMemory(block), 0o600))
	r.NoError(os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(sshOther), 0o644))

	_, err = loadSigner(Target{PrivKey: privPath, PubKey: pubPath})
	r.ErrorContains(err, "does not match")
}
