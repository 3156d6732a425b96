package server

import (
	"net"
	"syscall"
)

// listen opens a TCP listener with SO_REUSEADDR so a restarted server can
// rebind immediately.
func (s *Server) listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) { sockErr = setReuseAddr(fd) }); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(s.ctx, "tcp", addr)
}
