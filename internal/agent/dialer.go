package agent

import (
	"log/slog"
	"net"
	"time"

	"github.com/muhamadazmy/diglett/internal/logging"
)

// backendDialer opens a backend connection for every stream the
// gateway starts talking on. A dial failure is confined to the one
// stream: the multiplexer answers it with Close and everything else
// keeps flowing.
type backendDialer struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

func (d *backendDialer) OpenStream(id uint32) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", d.addr, d.timeout)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("backend connected",
		logging.KeyStreamID, id,
		logging.KeyAddress, d.addr)
	return conn, nil
}
