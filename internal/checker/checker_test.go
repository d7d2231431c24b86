package checker

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestIMAPCheckerQuickValidate(t *testing.T) {
	t.Parallel()

	c := &IMAPChecker{}

	valid := []string{"user@example.com:password", "a@b.c:x:y"}
	for _, line := range valid {
		if !c.QuickValidate(line) {
			t.Fatalf("expected %q to pass prefilter", line)
		}
	}

	invalid := []string{"", "no-separator", "user@example.com:", ":password", "user.example.com:pw", "@x.com:pw"}
	for _, line := range invalid {
		if c.QuickValidate(line) {
			t.Fatalf("expected %q to fail prefilter", line)
		}
	}
}

func TestIMAPCheckerParse(t *testing.T) {
	t.Parallel()

	c := &IMAPChecker{}

	rec, ok := c.Parse("User@Example.COM:p:a:ss")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if rec.Email != "User@Example.COM" {
		t.Fatalf("email = %q", rec.Email)
	}
	if rec.Password != "p:a:ss" {
		t.Fatalf("password = %q, want colons preserved", rec.Password)
	}
	if rec.Domain != "example.com" {
		t.Fatalf("domain = %q, want lowercased", rec.Domain)
	}

	for _, line := range []string{"nope", "user@:pw", "user@nodot:pw", "user@example.com:"} {
		if _, ok := c.Parse(line); ok {
			t.Fatalf("expected parse failure for %q", line)
		}
	}
}

func TestIsTransientNetErr(t *testing.T) {
	t.Parallel()

	transient := []error{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		io.ErrUnexpectedEOF,
		io.EOF,
		context.DeadlineExceeded,
		&net.DNSError{IsTimeout: true},
		&net.OpError{Op: "dial", Err: errors.New("unreachable")},
	}
	for _, err := range transient {
		if !IsTransientNetErr(err) {
			t.Fatalf("expected %v transient", err)
		}
	}

	terminal := []error{
		nil,
		context.Canceled,
		errors.New("LOGIN failed"),
	}
	for _, err := range terminal {
		if IsTransientNetErr(err) {
			t.Fatalf("expected %v not transient", err)
		}
	}
}

func TestIMAPCheckerIsTransientAuthError(t *testing.T) {
	t.Parallel()

	c := &IMAPChecker{}
	rejection := authError{cause: errors.New("NO [AUTHENTICATIONFAILED]")}

	if c.IsTransient(rejection) {
		t.Fatalf("auth rejection must not be retried")
	}
	if !c.IsTransient(syscall.ECONNRESET) {
		t.Fatalf("connection reset must be retried")
	}
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	cases := map[Outcome]string{
		OutcomeSuccess: "success",
		OutcomeFailed:  "failed",
		OutcomeIgnored: "ignored",
		OutcomeRetry:   "retry",
	}
	for o, want := range cases {
		if o.String() != want {
			t.Fatalf("%d.String() = %q, want %q", o, o.String(), want)
		}
	}
}
