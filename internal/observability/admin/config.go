package admin

import (
	"net"
	"runtime"
	"strings"
	"time"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the admin server. A non-loopback Addr needs either a Token
// or AllowInsecure before the server will bind.
type Config struct {
	Enabled       bool
	Addr          string
	PprofPrefix   string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Negative rates leave the runtime setting untouched.
	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

func (c Config) listenAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// serverKey holds the fields that are baked into a running http.Server.
type serverKey struct {
	addr, prefix, token string
	insecure            bool
	read, write, idle   time.Duration
}

func (c Config) key() serverKey {
	return serverKey{
		addr:     c.listenAddr(),
		prefix:   normalizePrefix(c.PprofPrefix),
		token:    c.Token,
		insecure: c.AllowInsecure,
		read:     c.ReadTimeout,
		write:    c.WriteTimeout,
		idle:     c.IdleTimeout,
	}
}

func needsRestart(a, b Config) bool { return a.key() != b.key() }

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
