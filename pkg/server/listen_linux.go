//go:build linux

package server

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"
)

// logListenBacklog reports the kernel's accept backlog, which bounds how many
// WebSocket handshakes can queue during a reconnect storm.
func (s *Server) logListenBacklog() {
	data, err := os.ReadFile("/proc/sys/net/core/somaxconn")
	if err != nil {
		return
	}
	somaxconn, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return
	}

	s.logger.Info().Int("somaxconn", somaxconn).Msg("kernel listen backlog")
	if somaxconn < 10000 {
		s.logger.Warn().
			Int("somaxconn", somaxconn).
			Msg("listen backlog may be too low for reconnect storms; consider sysctl -w net.core.somaxconn=65535")
	}
}

// monitorListenOverflows logs when the kernel drops connections because the
// accept queue was full. Runs until Stop.
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	last := listenOverflows()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			current := listenOverflows()
			if current > last {
				s.logger.Warn().
					Uint64("dropped", current-last).
					Uint64("total", current).
					Msg("connections rejected by listen backlog overflow")
			}
			last = current
		}
	}
}

// listenOverflows reads TcpExt ListenOverflows from /proc/net/netstat
func listenOverflows() uint64 {
	f, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer f.Close()

	var headers, values []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TcpExt:") {
			continue
		}
		if headers == nil {
			headers = strings.Fields(line)[1:]
			continue
		}
		values = strings.Fields(line)[1:]
		break
	}

	for i, h := range headers {
		if h == "ListenOverflows" && i < len(values) {
			n, _ := strconv.ParseUint(values[i], 10, 64)
			return n
		}
	}
	return 0
}
