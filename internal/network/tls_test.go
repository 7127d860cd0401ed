package network

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClientTLSConfigUsesEnvDevTLSCAPath(t *testing.T) {
	pemBytes, err := DevCAPEM()
	if err != nil {
		t.Fatalf("DevCAPEM: %v", err)
	}
	caPath := filepath.Join(t.TempDir(), "devtls_ca.pem")
	if err := os.WriteFile(caPath, pemBytes, 0600); err != nil {
		t.Fatalf("write ca: %v", err)
	}

	t.Setenv("WEB4MSG_DEVTLS_CA_PATH", caPath)
	conf, err := clientTLSConfig(false, "")
	if err != nil {
		t.Fatalf("clientTLSConfig with env override: %v", err)
	}
	if conf.RootCAs == nil {
		t.Fatalf("expected root pool")
	}
}

func TestClientTLSConfigRejectsBadCAFile(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(caPath, []byte("nothing here"), 0600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := clientTLSConfig(false, caPath); err == nil {
		t.Fatalf("expected error for ca file without certificates")
	}
	if _, err := clientTLSConfig(false, filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Fatalf("expected error for missing ca file")
	}
}

func TestClientTLSConfigInsecure(t *testing.T) {
	conf, err := clientTLSConfig(true, "/nonexistent")
	if err != nil {
		t.Fatalf("insecure config: %v", err)
	}
	if !conf.InsecureSkipVerify || conf.NextProtos[0] != alpn {
		t.Fatalf("unexpected insecure config")
	}
}
