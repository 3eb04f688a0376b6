package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrUnsupportedTarget is returned for targets that cannot be probed over TLS.
var ErrUnsupportedTarget = errors.New("unsupported probe target")

// DefaultPort is probed when the target names no port.
const DefaultPort = "443"

// ProbeResult is the leaf certificate of a probed endpoint.
type ProbeResult struct {
	NotAfter   time.Time
	CommonName string
	Issuer     string
	Latency    time.Duration
}

// TLSProber reads the certificate an endpoint presents.
type TLSProber struct {
	Timeout time.Duration
}

// ParseTarget returns the host and port to dial for a target. Targets
// without a scheme are treated as https. Non-https targets are only
// accepted on port 443.
func ParseTarget(target string) (host, port string, err error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", "", fmt.Errorf("%w: empty", ErrUnsupportedTarget)
	}
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnsupportedTarget, err)
	}
	host = u.Hostname()
	if host == "" {
		return "", "", fmt.Errorf("%w: no host in %q", ErrUnsupportedTarget, target)
	}
	port = u.Port()
	if port == "" {
		port = DefaultPort
	}
	if !strings.EqualFold(u.Scheme, "https") && port != DefaultPort {
		return "", "", fmt.Errorf("%w: %s on port %s", ErrUnsupportedTarget, u.Scheme, port)
	}
	return host, port, nil
}

// Probe completes a TLS handshake with target and returns its leaf
// certificate. Chains are not verified: expiry is read from whatever the
// endpoint serves.
func (p TLSProber) Probe(ctx context.Context, target string) (ProbeResult, error) {
	host, port, err := ParseTarget(target)
	if err != nil {
		return ProbeResult{}, err
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true, //nolint:gosec // inspection only, no data is exchanged
		},
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return ProbeResult{}, fmt.Errorf("tls handshake with %s: %w", host, err)
	}
	defer conn.Close()
	latency := time.Since(start)

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return ProbeResult{}, fmt.Errorf("tls handshake with %s: not a tls connection", host)
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return ProbeResult{}, fmt.Errorf("tls handshake with %s: no certificate presented", host)
	}

	leaf := certs[0]
	issuer := leaf.Issuer.CommonName
	if issuer == "" && len(leaf.Issuer.Organization) > 0 {
		issuer = leaf.Issuer.Organization[0]
	}
	return ProbeResult{
		NotAfter:   leaf.NotAfter.UTC(),
		CommonName: leaf.Subject.CommonName,
		Issuer:     issuer,
		Latency:    latency,
	}, nil
}
