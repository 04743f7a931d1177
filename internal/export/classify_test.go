package export

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{
			name: "tls record header error is a mismatch",
			err:  tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"},
			want: TransportFailure,
		},
		{
			name: "wrapped record header error",
			err:  fmt.Errorf("push: %w", tls.RecordHeaderError{}),
			want: TransportFailure,
		},
		{
			name: "https client against plaintext server",
			err:  errors.New(`Get "https://x": http: server gave HTTP response to HTTPS client`),
			want: TransportFailure,
		},
		{
			name: "plaintext client against tls listener",
			err:  errors.New("push status 400: Client sent an HTTP request to an HTTPS server."),
			want: TransportFailure,
		},
		{
			name: "timeout stays transient",
			err:  timeoutErr{},
			want: Transient,
		},
		{
			name: "refused connection stays transient",
			err:  &net.OpError{Op: "dial", Err: errors.New("connection refused")},
			want: Transient,
		},
		{
			name: "nil",
			err:  nil,
			want: Transient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyTransport(tt.err); got != tt.want {
				t.Errorf("ClassifyTransport() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != Transient {
		t.Errorf("untyped error kind = %v, want transient", got)
	}

	wrapped := fmt.Errorf("outer: %w", &ExportError{Kind: AuthFailure, Err: errors.New("401")})
	if got := KindOf(wrapped); got != AuthFailure {
		t.Errorf("wrapped kind = %v, want auth_failure", got)
	}
}

func TestAsExportErrorWrapsUntyped(t *testing.T) {
	plain := errors.New("boom")
	ee := AsExportError(plain, "http://x", "b1")

	if ee.Kind != Transient {
		t.Errorf("kind = %v, want transient", ee.Kind)
	}
	if !errors.Is(ee, plain) {
		t.Error("wrapped error lost the cause")
	}
	if ee.Endpoint != "http://x" || ee.BatchID != "b1" {
		t.Errorf("context not carried: %+v", ee)
	}
}

func TestErrorKindString(t *testing.T) {
	for kind, want := range map[ErrorKind]string{
		Transient:        "transient",
		Rejected:         "rejected",
		AuthFailure:      "auth_failure",
		TransportFailure: "transport_failure",
	} {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}

var _ net.Error = timeoutErr{}
