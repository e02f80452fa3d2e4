package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	cert, err := Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore)
	if validity > 24*time.Hour+2*time.Minute {
		t.Errorf("validity too long: %v", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}

	want := sha256.Sum256(cert.TLSCert.Certificate[0])
	if cert.Fingerprint != want {
		t.Error("fingerprint does not match certificate DER")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("empty base64 fingerprint")
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()

	cert, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if remaining := time.Until(cert.NotAfter); remaining < 13*24*time.Hour {
		t.Errorf("default validity too short: %v remaining", remaining)
	}
}

func TestTLSConfig(t *testing.T) {
	t.Parallel()

	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	conf := cert.TLSConfig()
	if len(conf.Certificates) != 1 {
		t.Fatalf("certificates in config: got %d, want 1", len(conf.Certificates))
	}
}
