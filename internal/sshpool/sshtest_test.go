package sshpool

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

const testPassword = "testpass"

// testServer is a minimal in-process SSH server that accepts password auth
// and answers exec requests. "hang" never completes, "false" exits 1 and
// "echo X" writes X back.
type testServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	stop     chan struct{}
	dials    atomic.Int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := &testServer{listener: listener, config: config, stop: make(chan struct{})}
	go srv.acceptLoop()
	t.Cleanup(srv.Close)
	return srv
}

func (s *testServer) Addr() (host string, port int) {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (s *testServer) DialCount() int64 { return s.dials.Load() }

func (s *testServer) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.listener.Close()
}

func (s *testServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *testServer) handleConn(conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	s.dials.Add(1)
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *testServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)
		status := s.runCommand(payload.Command, ch)
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func (s *testServer) runCommand(command string, ch ssh.Channel) uint32 {
	switch {
	case command == "false":
		return 1
	case command == "hang":
		<-s.stop
		return 0
	case strings.HasPrefix(command, "echo "):
		arg := strings.Trim(strings.TrimPrefix(command, "echo "), `"`)
		fmt.Fprintln(ch, arg)
		return 0
	case strings.HasPrefix(command, "stderr "):
		fmt.Fprintln(ch.Stderr(), strings.TrimPrefix(command, "stderr "))
		return 0
	default:
		fmt.Fprintln(ch, command)
		return 0
	}
}
