package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kyc-service/internal/config"
)

func TestDevCertGeneratedAndReused(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"kyc.local", "127.0.0.1"})
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "kyc.local" || len(leaf.IPAddresses) != 1 {
		t.Fatalf("unexpected SANs: %v %v", leaf.DNSNames, leaf.IPAddresses)
	}
	info, err := os.Stat(filepath.Join(dir, devKeyName))
	if err != nil {
		t.Fatalf("key not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key permissions %v", info.Mode().Perm())
	}

	second, err := gen.GenerateCert([]string{"kyc.local"})
	if err != nil {
		t.Fatalf("second GenerateCert failed: %v", err)
	}
	if string(second.Certificate[0]) != string(first.Certificate[0]) {
		t.Fatalf("valid certificate should be reused")
	}

	gen.now = func() time.Time { return time.Now().Add(devCertValidity + time.Hour) }
	third, err := gen.GenerateCert([]string{"kyc.local"})
	if err != nil {
		t.Fatalf("regenerate failed: %v", err)
	}
	if string(third.Certificate[0]) == string(first.Certificate[0]) {
		t.Fatalf("expired certificate should be replaced")
	}
}

func TestManagerFallsBackToDevCertOutsideProduction(t *testing.T) {
	cfg := &config.Config{Environment: "development", Server: config.ServerConfig{EnableTLS: true, Domain: "localhost", AutoCertDir: t.TempDir()}}
	m := NewTLSManager(cfg)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	if err != nil || cert == nil {
		t.Fatalf("expected dev certificate, got %v", err)
	}
	again, _ := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	if again != cert {
		t.Fatalf("dev certificate should be cached")
	}
	if m.GetAutocertManager() != nil {
		t.Fatalf("autocert should be off")
	}
	if m.GetTLSConfig().MinVersion != tls.VersionTLS12 {
		t.Fatalf("unexpected min version")
	}
}

func TestManagerRefusesSelfSignedInProduction(t *testing.T) {
	cfg := &config.Config{Environment: "production", Server: config.ServerConfig{EnableTLS: true, AutoCertDir: t.TempDir()}}
	m := NewTLSManager(cfg)

	if _, err := m.GetCertificate(&tls.ClientHelloInfo{}); !errors.Is(err, ErrNoCertificate) {
		t.Fatalf("expected ErrNoCertificate, got %v", err)
	}
}

func TestManagerLoadsConfiguredKeyPair(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewDevCertGenerator(dir).GenerateCert([]string{"example.test"}); err != nil {
		t.Fatalf("seed pair: %v", err)
	}
	cfg := &config.Config{Environment: "production", Server: config.ServerConfig{
		EnableTLS: true,
		CertFile:  filepath.Join(dir, devCertName),
		KeyFile:   filepath.Join(dir, devKeyName),
	}}

	cert, err := NewTLSManager(cfg).GetCertificate(&tls.ClientHelloInfo{})
	if err != nil || cert == nil {
		t.Fatalf("expected file certificate, got %v", err)
	}
}
