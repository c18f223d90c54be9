package telemetry

import (
	"context"
	"testing"
)

func TestInitWithoutEndpointInstallsNoop(t *testing.T) {
	provider, shutdown, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if provider == nil {
		t.Fatal("nil provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		in       string
		host     string
		insecure bool
		wantErr  bool
	}{
		{in: "collector:4318", host: "collector:4318", insecure: true},
		{in: "http://collector:4318", host: "collector:4318", insecure: true},
		{in: "https://collector:4318", host: "collector:4318", insecure: false},
		{in: "grpc://collector:4317", wantErr: true},
	}
	for _, tc := range cases {
		host, insecure, err := parseEndpoint(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseEndpoint(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseEndpoint(%q): %v", tc.in, err)
			continue
		}
		if host != tc.host || insecure != tc.insecure {
			t.Errorf("parseEndpoint(%q) = %q/%v, want %q/%v", tc.in, host, insecure, tc.host, tc.insecure)
		}
	}
}
