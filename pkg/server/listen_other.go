//go:build !linux

package server

func (s *Server) logListenBacklog() {}

func (s *Server) monitorListenOverflows() {
	s.wg.Done()
}
