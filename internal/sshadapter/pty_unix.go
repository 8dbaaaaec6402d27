//go:build !windows

package sshadapter

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// unixPTY runs a command under a pseudo-terminal allocated with creack/pty.
type unixPTY struct {
	ptmx *os.File
	cmd  *exec.Cmd
}

// startPTY launches cmd with a PTY sized from the client's pty-req.
func startPTY(cmd *exec.Cmd, req *ptyRequest) (ptySession, error) {
	term := req.Term
	if term == "" {
		term = "xterm-256color"
	}
	cmd.Env = append(cmd.Env, "TERM="+term)

	winsize := &pty.Winsize{Rows: 24, Cols: 80}
	if req.Rows > 0 {
		winsize.Rows = uint16(req.Rows)
	}
	if req.Columns > 0 {
		winsize.Cols = uint16(req.Columns)
	}

	ptmx, err := pty.StartWithSize(cmd, winsize)
	if err != nil {
		return nil, err
	}
	return &unixPTY{ptmx: ptmx, cmd: cmd}, nil
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *unixPTY) Resize(rows, cols uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *unixPTY) Wait() error {
	defer p.ptmx.Close()
	return p.cmd.Wait()
}

func (p *unixPTY) Close() error { return p.ptmx.Close() }

func baseEnviron() []string { return os.Environ() }
