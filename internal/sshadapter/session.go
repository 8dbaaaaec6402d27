package sshadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/relaymesh/tunnelclient/internal/logging"
)

// Request payload shapes per RFC 4254.
type ptyRequest struct {
	Term          string
	Columns, Rows uint32
	Width, Height uint32
	Modes         string
}

type envRequest struct {
	Name  string
	Value string
}

type execRequest struct {
	Command string
}

type subsystemRequest struct {
	Name string
}

type windowChangeRequest struct {
	Columns, Rows uint32
	Width, Height uint32
}

type exitStatusPayload struct {
	Status uint32
}

// session tracks the per-channel state accumulated by requests (env, pty
// allocation) before the shell/exec/subsystem request starts the real work.
type session struct {
	h       *Handler
	channel ssh.Channel

	mu      sync.Mutex
	env     []string
	ptyReq  *ptyRequest
	pty     ptySession // non-nil once a command started under a PTY
	started bool
}

// handleSessionChannel accepts a "session" channel and serves its request
// stream until the channel closes.
func (h *Handler) handleSessionChannel(ctx context.Context, newChannel ssh.NewChannel) {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		h.log.Debug("session channel accept failed", logging.KeyComponent, "sshadapter", logging.KeyError, err)
		return
	}

	s := &session{h: h, channel: channel}
	s.serve(ctx, requests)
}

func (s *session) serve(ctx context.Context, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "pty-req":
			s.handlePTYReq(req)
		case "env":
			s.handleEnv(req)
		case "shell":
			s.handleShell(ctx, req)
		case "exec":
			s.handleExec(ctx, req)
		case "subsystem":
			s.handleSubsystem(ctx, req)
		case "window-change":
			s.handleWindowChange(req)
		case "x11-req":
			reply(req, s.h.policy.X11Forwarding)
		case "auth-agent-req@openssh.com":
			reply(req, s.h.policy.AgentForwarding)
		case "signal":
			// Accepted and ignored; the process group dies with the channel.
			reply(req, true)
		default:
			reply(req, false)
		}
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}

func (s *session) handlePTYReq(req *ssh.Request) {
	if !s.h.policy.PTY {
		reply(req, false)
		return
	}
	var p ptyRequest
	if err := ssh.Unmarshal(req.Payload, &p); err != nil {
		reply(req, false)
		return
	}
	s.mu.Lock()
	s.ptyReq = &p
	s.mu.Unlock()
	reply(req, true)
}

func (s *session) handleEnv(req *ssh.Request) {
	var e envRequest
	if err := ssh.Unmarshal(req.Payload, &e); err != nil {
		reply(req, false)
		return
	}
	s.mu.Lock()
	s.env = append(s.env, e.Name+"="+e.Value)
	s.mu.Unlock()
	reply(req, true)
}

func (s *session) handleShell(ctx context.Context, req *ssh.Request) {
	if !s.h.policy.Shell {
		reply(req, false)
		return
	}
	s.startCommand(ctx, req, exec.CommandContext(ctx, s.h.policy.DefaultShell))
}

func (s *session) handleExec(ctx context.Context, req *ssh.Request) {
	if !s.h.policy.Exec {
		reply(req, false)
		return
	}
	var e execRequest
	if err := ssh.Unmarshal(req.Payload, &e); err != nil || e.Command == "" {
		reply(req, false)
		return
	}
	s.startCommand(ctx, req, exec.CommandContext(ctx, s.h.policy.DefaultShell, "-c", e.Command))
}

func (s *session) handleSubsystem(ctx context.Context, req *ssh.Request) {
	var sub subsystemRequest
	if err := ssh.Unmarshal(req.Payload, &sub); err != nil {
		reply(req, false)
		return
	}
	if sub.Name != "sftp" || !s.h.policy.SFTP {
		reply(req, false)
		return
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		reply(req, false)
		return
	}
	s.started = true
	s.mu.Unlock()

	reply(req, true)
	go s.serveSFTP()
}

func (s *session) handleWindowChange(req *ssh.Request) {
	var w windowChangeRequest
	if err := ssh.Unmarshal(req.Payload, &w); err != nil {
		reply(req, false)
		return
	}
	s.mu.Lock()
	p := s.pty
	s.mu.Unlock()
	if p != nil {
		p.Resize(uint16(w.Rows), uint16(w.Columns))
	}
	reply(req, true)
}

// startCommand launches cmd (with or without a PTY depending on whether a
// pty-req preceded it) and wires its I/O to the channel. Only one command may
// start per session channel.
func (s *session) startCommand(ctx context.Context, req *ssh.Request, cmd *exec.Cmd) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		reply(req, false)
		return
	}
	s.started = true
	env := s.env
	ptyReq := s.ptyReq
	s.mu.Unlock()

	cmd.Env = append(baseEnviron(), env...)

	if ptyReq != nil {
		p, err := startPTY(cmd, ptyReq)
		if err != nil {
			s.h.log.Warn("pty start failed", logging.KeyComponent, "sshadapter", logging.KeyError, err)
			reply(req, false)
			return
		}
		s.mu.Lock()
		s.pty = p
		s.mu.Unlock()
		reply(req, true)
		go s.runPTY(p)
		return
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		reply(req, false)
		return
	}
	cmd.Stdout = s.channel
	cmd.Stderr = s.channel.Stderr()

	if err := cmd.Start(); err != nil {
		s.h.log.Warn("command start failed", logging.KeyComponent, "sshadapter", logging.KeyError, err)
		reply(req, false)
		return
	}
	reply(req, true)

	go func() {
		io.Copy(stdin, s.channel)
		stdin.Close()
	}()
	go func() {
		s.finish(cmd.Wait())
	}()
}

// runPTY relays bytes between the channel and the PTY master, then reports
// the exit status.
func (s *session) runPTY(p ptySession) {
	go func() {
		io.Copy(p, s.channel)
		p.Close()
	}()
	io.Copy(s.channel, p)
	s.finish(p.Wait())
}

// finish sends exit-status and closes the channel.
func (s *session) finish(err error) {
	status := uint32(0)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status = uint32(exitErr.ExitCode())
		} else {
			status = 1
		}
	}
	s.channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusPayload{Status: status}))
	s.channel.Close()
}

// ptySession abstracts the platform PTY implementation.
type ptySession interface {
	io.ReadWriteCloser
	Resize(rows, cols uint16) error
	Wait() error
}

var errPTYUnsupported = fmt.Errorf("sshadapter: pty not supported on this platform")
