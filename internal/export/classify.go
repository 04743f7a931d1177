package export

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
)

// ClassifyTransport inspects a network-level error and decides whether it
// is a secure-channel negotiation mismatch (TransportFailure) or a generic
// transient failure. The distinction matters: a mismatch is a configuration
// problem that retrying cannot fix, and the diagnostic must name it. Shared
// with the span exporter, which has the same transport semantics.
func ClassifyTransport(err error) ErrorKind {
	if err == nil {
		return Transient
	}

	// Client spoke TLS, server answered plaintext.
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return TransportFailure
	}

	// Certificate chain problems are secure-channel negotiation failures,
	// not generic connection errors.
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) {
		return TransportFailure
	}

	msg := err.Error()
	switch {
	// net/http wording when an https:// client reaches a plaintext server.
	case strings.Contains(msg, "server gave HTTP response to HTTPS client"):
		return TransportFailure
	// Plaintext client reaching a TLS listener: the handshake bytes are
	// rejected with this wording by Go servers.
	case strings.Contains(msg, "Client sent an HTTP request to an HTTPS server"):
		return TransportFailure
	case strings.Contains(msg, "tls: first record does not look like a TLS handshake"):
		return TransportFailure
	}

	// Timeouts and refused connections stay transient.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Transient
}
