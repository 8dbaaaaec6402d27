package sshadapter

import (
	"errors"
	"io"

	"github.com/pkg/sftp"

	"github.com/relaymesh/tunnelclient/internal/logging"
)

// serveSFTP runs the SFTP subsystem on the session channel until the client
// disconnects.
func (s *session) serveSFTP() {
	defer s.channel.Close()

	server, err := sftp.NewServer(s.channel)
	if err != nil {
		s.h.log.Warn("sftp server init failed", logging.KeyComponent, "sshadapter", logging.KeyError, err)
		return
	}
	defer server.Close()

	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		s.h.log.Debug("sftp session ended", logging.KeyComponent, "sshadapter", logging.KeyError, err)
	}
}
