package nullroute

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type dialFunc func(ctx context.Context, t Target) (session, error)

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func dialTCP(ctx context.Context, t Target) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.Addr(), err)
	}
	if err := conn.SetDeadline(deadline(ctx, t.Timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// sshSession drives an interactive shell over SSH.
type sshSession struct {
	host    string
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  *bufio.Reader
}

func dialSSH(ctx context.Context, t Target) (session, error) {
	clientCfg, err := sshClientConfig(t)
	if err != nil {
		return nil, err
	}
	conn, err := dialTCP(ctx, t)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.Addr(), clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", t.Addr(), err)
	}
	client := ssh.NewClient(c, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open ssh session: %w", err)
	}
	s := &sshSession{host: t.Host, client: client, session: sess}
	if s.stdin, err = sess.StdinPipe(); err != nil {
		s.abort()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		s.abort()
		return nil, err
	}
	s.stdout = bufio.NewReader(stdout)

	if err := sess.RequestPty("vanilla", 40, 80, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
		s.abort()
		return nil, fmt.Errorf("no pty available on %s: %w", t.Host, err)
	}
	if err := sess.Shell(); err != nil {
		s.abort()
		return nil, fmt.Errorf("no shell available on %s: %w", t.Host, err)
	}
	return s, nil
}

// sshClientConfig tries the key pair first and falls back to the password.
func sshClientConfig(t Target) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if t.PrivKey != "" {
		signer, err := loadSigner(t)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if t.Pass != "" {
		auth = append(auth, ssh.Password(t.Pass))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials for %s", t.Host)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if t.KnownHosts != "" {
		cb, err := knownhosts.New(t.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKey = cb
	} else {
		log.WithField("router", t.Host).Warn("no known_hosts configured, router host key is not verified")
	}

	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         t.Timeout,
	}, nil
}

func loadSigner(t Target) (ssh.Signer, error) {
	pem, err := os.ReadFile(t.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(t.Pass))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", t.PrivKey, err)
	}

	if t.PubKey != "" {
		data, err := os.ReadFile(t.PubKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
		pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key %s: %w", t.PubKey, err)
		}
		if !bytes.Equal(pub.Marshal(), signer.PublicKey().Marshal()) {
			return nil, fmt.Errorf("public key %s does not match %s", t.PubKey, t.PrivKey)
		}
	}
	return signer, nil
}

// WriteLine reads the pending response line, sends line and reads the reply.
func (s *sshSession) WriteLine(line string) error {
	if err := s.readLine(); err != nil {
		return err
	}
	log.WithField("router", s.host).Debugf("> %s", line)
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		return fmt.Errorf("write to %s failed: %w", s.host, err)
	}
	return s.readLine()
}

func (s *sshSession) readLine() error {
	resp, err := s.stdout.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read from %s failed: %w", s.host, err)
	}
	log.WithField("router", s.host).Debugf("< %s", strings.TrimRight(resp, "\r\n"))
	return nil
}

func (s *sshSession) Close() error {
	s.stdin.Close()
	s.session.Close()
	return s.client.Close()
}

func (s *sshSession) abort() {
	s.session.Close()
	s.client.Close()
}

// telnetSession writes raw lines to a plain TCP connection.
type telnetSession struct {
	host string
	conn net.Conn
}

func dialTelnet(ctx context.Context, t Target) (session, error) {
	conn, err := dialTCP(ctx, t)
	if err != nil {
		return nil, err
	}
	s := &telnetSession{host: t.Host, conn: conn}
	for _, line := range []string{t.User, t.Pass} {
		if _, err := io.WriteString(conn, line+"\n"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("telnet login to %s failed: %w", t.Host, err)
		}
	}
	return s, nil
}

func (s *telnetSession) WriteLine(line string) error {
	log.WithField("router", s.host).Debugf("> %s", line)
	if _, err := io.WriteString(s.conn, line+"\n"); err != nil {
		return fmt.Errorf("write to %s failed: %w", s.host, err)
	}
	return nil
}

// Close drains the router output until it hangs up.
func (s *telnetSession) Close() error {
	var out bytes.Buffer
	_, err := io.Copy(&out, s.conn)
	log.WithField("router", s.host).Debugf("< %s", out.String())
	s.conn.Close()
	if err != nil {
		return fmt.Errorf("read from %s failed: %w", s.host, err)
	}
	return nil
}
