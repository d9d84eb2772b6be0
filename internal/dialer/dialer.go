// Package dialer establishes the raw byte stream a client owns: TCP or a
// named local socket, optionally wrapped in TLS.
package dialer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"
)

var zeroDialer net.Dialer

// TLSOptions is the client-facing TLS bundle.
type TLSOptions struct {
	// CA replaces the system roots when set.
	CA *x509.CertPool
	// Servername overrides SNI and verification name.
	Servername string
	// RejectUnauthorized mirrors the strict default; nil means true.
	RejectUnauthorized *bool
	MaxCachedSessions  int
	ReuseSessions      bool
	// Config, when set, is cloned as the base; the fields above are applied
	// on top.
	Config *tls.Config
}

// CoreDialer dials one origin. It is built once per client and safe for
// reuse across reconnects, keeping the TLS session cache warm.
type CoreDialer struct {
	// Addr is "host:port"; ignored when SocketPath is set.
	Addr       string
	SocketPath string
	UseTLS     bool
	Timeout    time.Duration

	tlsConfig *tls.Config
}

// New builds a CoreDialer. topts.Servername is the default SNI name, possibly
// overridden per dial.
func New(addr, socketPath string, useTLS bool, timeout time.Duration, topts *TLSOptions) *CoreDialer {
	d := &CoreDialer{
		Addr:       addr,
		SocketPath: socketPath,
		UseTLS:     useTLS,
		Timeout:    timeout,
	}
	if !useTLS {
		return d
	}
	var cfg *tls.Config
	if topts != nil && topts.Config != nil {
		cfg = topts.Config.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.NextProtos = []string{"http/1.1"}
	if topts != nil {
		if topts.CA != nil {
			cfg.RootCAs = topts.CA
		}
		if topts.Servername != "" {
			cfg.ServerName = topts.Servername
		}
		if topts.RejectUnauthorized != nil && !*topts.RejectUnauthorized {
			cfg.InsecureSkipVerify = true
		}
		if topts.ReuseSessions {
			n := topts.MaxCachedSessions
			if n <= 0 {
				n = 100
			}
			cfg.ClientSessionCache = tls.NewLRUClientSessionCache(n)
		}
	}
	d.tlsConfig = cfg
	return d
}

// Dial connects and completes the TLS handshake when the origin is https.
// servername overrides the configured SNI name for this connection.
func (d *CoreDialer) Dial(ctx context.Context, servername string) (net.Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	var conn net.Conn
	var err error
	if d.SocketPath != "" {
		conn, err = zeroDialer.DialContext(ctx, "unix", d.SocketPath)
	} else {
		conn, err = zeroDialer.DialContext(ctx, "tcp", d.Addr)
	}
	if err != nil {
		return nil, err
	}
	if !d.UseTLS {
		return conn, nil
	}
	cfg := d.tlsConfig.Clone()
	if servername != "" {
		cfg.ServerName = servername
	}
	c := tls.Client(conn, cfg)
	if err := c.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}
