// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"net"
	"time"
)

// SyslogConfig configures an optional syslog sink for the data plane's
// event log (NAT create/delete, firewall drops, pipeline resource
// exhaustion). Disabled by default; the data plane always logs to stderr
// regardless of this setting.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns the baseline configuration: disabled, UDP
// to port 514, facility 1 (user-level), tagged "landscaped".
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "landscaped",
		Facility: 1,
	}
}

// syslogWriter is an io.Writer that frames each Write as an RFC 3164
// message and sends it over a persistent connection to a syslog
// collector.
type syslogWriter struct {
	conn     net.Conn
	tag      string
	facility int
}

// NewSyslogWriter dials the syslog collector named in cfg and returns a
// writer suitable for logging.NewWithSyslog. cfg.Host is required; Port,
// Protocol, and Tag are defaulted from DefaultSyslogConfig when zero.
func NewSyslogWriter(cfg SyslogConfig) (io.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "landscaped"
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("logging: dial syslog %s://%s: %w", cfg.Protocol, addr, err)
	}

	return &syslogWriter{conn: conn, tag: cfg.Tag, facility: cfg.Facility}, nil
}

func (w *syslogWriter) Write(p []byte) (int, error) {
	// Severity is folded into the priority as "notice" (5); the handler's
	// own level attribute carries the real severity in the message body.
	priority := w.facility*8 + 5
	msg := fmt.Sprintf("<%d>%s %s: %s", priority, time.Now().Format(time.Stamp), w.tag, p)
	if _, err := io.WriteString(w.conn, msg); err != nil {
		return 0, err
	}
	return len(p), nil
}
