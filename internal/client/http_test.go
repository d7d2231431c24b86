package client

import (
	"net/http"
	"testing"
)

func TestInitHTTPClientFillsDefaults(t *testing.T) {
	sharedClient = nil
	clientInitialized = false

	InitHTTPClient(&Config{})
	c := GetHTTPClient()

	tr, ok := c.Transport.(*http.Transport)
	if !ok || tr == nil {
		t.Fatalf("expected *http.Transport, got %T", c.Transport)
	}
	if tr.MaxIdleConns == 0 {
		t.Fatalf("expected MaxIdleConns defaulted, got %d", tr.MaxIdleConns)
	}
	if tr.MaxIdleConnsPerHost == 0 {
		t.Fatalf("expected MaxIdleConnsPerHost defaulted, got %d", tr.MaxIdleConnsPerHost)
	}
	if c.Timeout == 0 {
		t.Fatalf("expected request timeout defaulted")
	}
}

func TestGetHTTPClientReturnsSameInstance(t *testing.T) {
	sharedClient = nil
	clientInitialized = false

	a := GetHTTPClient()
	b := GetHTTPClient()
	if a != b {
		t.Fatalf("expected shared instance, got distinct clients")
	}
}
