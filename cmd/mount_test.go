package cmd

import "testing"

func TestSplitEndpointWithExplicitPort(t *testing.T) {
	host, port, err := splitEndpoint("s3.example.com:9000", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != "s3.example.com" || port != 9000 {
		t.Fatalf("got %s:%d, want s3.example.com:9000", host, port)
	}
}

func TestSplitEndpointDefaultsPortByScheme(t *testing.T) {
	host, port, err := splitEndpoint("s3.example.com", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != "s3.example.com" || port != 80 {
		t.Fatalf("got %s:%d, want s3.example.com:80", host, port)
	}

	_, port, err = splitEndpoint("s3.example.com", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != 443 {
		t.Fatalf("got port %d, want 443", port)
	}
}

func TestSplitEndpointRejectsInvalidPort(t *testing.T) {
	if _, _, err := splitEndpoint("s3.example.com:notaport", false); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestCurrentUIDGIDReturnsNonNegative(t *testing.T) {
	uid, gid := currentUIDGID()
	_ = uid
	_ = gid
}
