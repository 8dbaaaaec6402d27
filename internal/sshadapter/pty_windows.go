//go:build windows

package sshadapter

import (
	"os"
	"os/exec"
)

// startPTY is unavailable on Windows; sessions fall back to pipe I/O when
// the client retries without a pty-req.
func startPTY(cmd *exec.Cmd, req *ptyRequest) (ptySession, error) {
	return nil, errPTYUnsupported
}

func baseEnviron() []string { return os.Environ() }
