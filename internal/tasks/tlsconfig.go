package tasks

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
)

var tlsVersionNames = map[uint16]string{
	tls.VersionTLS10: "TLS 1.0",
	tls.VersionTLS11: "TLS 1.1",
	tls.VersionTLS12: "TLS 1.2",
	tls.VersionTLS13: "TLS 1.3",
}

func tlsVersionName(v uint16) string {
	if n, ok := tlsVersionNames[v]; ok {
		return n
	}
	return fmt.Sprintf("0x%04x", v)
}

// TLSConfig inspects the HTTPS endpoint: negotiated protocol, legacy
// protocol support, certificate expiry and trust.
type TLSConfig struct {
	base
	dialer        Dialer
	port          int
	expiryWarning time.Duration
	now           func() time.Time

	// Roots overrides the system trust store when set.
	Roots *x509.CertPool
}

func NewTLSConfig(cfg Config, dialer Dialer, ev EvidenceWriter, logger logging.Logger, now func() time.Time) *TLSConfig {
	port := cfg.TLSPort
	if port == 0 {
		port = 443
	}
	if now == nil {
		now = time.Now
	}
	return &TLSConfig{
		base:          newBase(TLSConfigName, ev, logger),
		dialer:        dialer,
		port:          port,
		expiryWarning: cfg.CertExpiryWarning,
		now:           now,
	}
}

func (t *TLSConfig) handshake(ctx context.Context, addr, host string, maxVersion uint16) (tls.ConnectionState, error) {
	raw, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return tls.ConnectionState{}, err
	}
	defer raw.Close()

	conn := tls.Client(raw, &tls.Config{
		ServerName: host,
		// Trust is verified in Run against Roots.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS10,
		MaxVersion:         maxVersion,
	})
	if err := conn.HandshakeContext(ctx); err != nil {
		return tls.ConnectionState{}, err
	}
	return conn.ConnectionState(), nil
}

func (t *TLSConfig) Run(ctx context.Context, tc TaskContext) (int, error) {
	host, port := splitTarget(tc.Domain)
	if port == "" {
		port = strconv.Itoa(t.port)
	}
	addr := net.JoinHostPort(host, port)
	source := "tls://" + addr

	state, err := t.handshake(ctx, addr, host, tls.VersionTLS13)
	if err != nil {
		return 0, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}

	findings := 0
	weak := func(sev model.Severity, value, rec, desc string, meta map[string]any) error {
		n, err := t.record(ctx, tc, model.Artifact{
			Type:      model.ArtifactWeakTLS,
			Severity:  sev,
			Value:     value,
			SourceURL: source,
			Meta:      meta,
		}, rec, desc)
		findings += n
		return err
	}

	if state.Version < tls.VersionTLS12 {
		if err := weak(model.SeverityHigh,
			"negotiated "+tlsVersionName(state.Version),
			"Disable TLS 1.0 and 1.1 and prefer TLS 1.3.",
			"The server's best protocol is deprecated and vulnerable to known downgrade attacks.",
			map[string]any{"version": tlsVersionName(state.Version)}); err != nil {
			return findings, err
		}
	} else if legacy, err := t.handshake(ctx, addr, host, tls.VersionTLS11); err == nil {
		if err := weak(model.SeverityMedium,
			"accepts "+tlsVersionName(legacy.Version),
			"Disable TLS 1.0 and 1.1 on the endpoint.",
			"Clients can still be negotiated down to a deprecated protocol.",
			map[string]any{"version": tlsVersionName(legacy.Version)}); err != nil {
			return findings, err
		}
	}

	if len(state.PeerCertificates) == 0 {
		return findings, errors.New("server presented no certificate")
	}
	leaf := state.PeerCertificates[0]
	now := t.now()
	certMeta := map[string]any{
		"subject":   leaf.Subject.String(),
		"issuer":    leaf.Issuer.String(),
		"not_after": leaf.NotAfter.UTC().Format(time.RFC3339),
	}

	switch {
	case now.After(leaf.NotAfter):
		if err := weak(model.SeverityHigh,
			"certificate expired "+leaf.NotAfter.UTC().Format("2006-01-02"),
			"Renew the certificate and automate renewal.",
			"Visitors see certificate errors and may be trained to click through them.",
			certMeta); err != nil {
			return findings, err
		}
	case t.expiryWarning > 0 && leaf.NotAfter.Sub(now) < t.expiryWarning:
		days := int(leaf.NotAfter.Sub(now).Hours() / 24)
		if err := weak(model.SeverityMedium,
			fmt.Sprintf("certificate expires in %d days", days),
			"Renew the certificate before it expires and automate renewal.",
			"The certificate is close to expiry.",
			certMeta); err != nil {
			return findings, err
		}
	}

	if !now.After(leaf.NotAfter) {
		inter := x509.NewCertPool()
		for _, c := range state.PeerCertificates[1:] {
			inter.AddCert(c)
		}
		_, verr := leaf.Verify(x509.VerifyOptions{
			DNSName:       host,
			Roots:         t.Roots,
			Intermediates: inter,
			CurrentTime:   now,
		})
		if verr != nil {
			if err := weak(model.SeverityHigh,
				"certificate not trusted: "+verr.Error(),
				"Serve a certificate from a public CA that covers the host name, with the full chain.",
				"Browsers reject the certificate, so users cannot tell a legitimate site from an impostor.",
				certMeta); err != nil {
				return findings, err
			}
		}
	}

	t.logger.Info("tls inspection complete",
		logging.Field{Key: "scan_id", Value: tc.ScanID},
		logging.Field{Key: "version", Value: tlsVersionName(state.Version)},
		logging.Field{Key: "findings", Value: findings})
	return findings, nil
}
