package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// TLSMaterial is the resolved server TLS state: the handshake config and,
// when certificates come from Let's Encrypt, the ACME manager whose HTTP-01
// handler must be mounted on port 80.
type TLSMaterial struct {
	Config *tls.Config
	ACME   *autocert.Manager
}

// Listen opens a TLS listener on port using the material.
func (m *TLSMaterial) Listen(port int) (net.Listener, error) {
	return tls.Listen("tcp", fmt.Sprintf(":%d", port), m.Config)
}

// SetupTLS resolves certificate material for the listeners. A configured
// domain wins and enables Let's Encrypt; otherwise an explicit cert/key pair
// is loaded; with neither, a self-signed localhost certificate under certDir
// is reused or minted.
func SetupTLS(domain, certFile, keyFile, certDir string) (*TLSMaterial, error) {
	switch {
	case domain != "":
		return acmeMaterial(domain, certDir)
	case certFile != "" && keyFile != "":
		log.Printf("tls: using certificate pair %s / %s", certFile, keyFile)
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading certificate pair: %w", err)
		}
		return materialFor(cert), nil
	default:
		return selfSignedMaterial(certDir)
	}
}

func materialFor(cert tls.Certificate) *TLSMaterial {
	return &TLSMaterial{Config: &tls.Config{Certificates: []tls.Certificate{cert}}}
}

func acmeMaterial(domain, certDir string) (*TLSMaterial, error) {
	cache := filepath.Join(certDir, "acme")
	if err := os.MkdirAll(cache, 0700); err != nil {
		return nil, fmt.Errorf("creating acme cache: %w", err)
	}
	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domain),
		Cache:      autocert.DirCache(cache),
	}
	log.Printf("tls: managing certificate for %q via Let's Encrypt", domain)
	return &TLSMaterial{Config: mgr.TLSConfig(), ACME: mgr}, nil
}

// selfSignedMaterial loads the generated localhost certificate from certDir,
// minting a fresh one on first start.
func selfSignedMaterial(certDir string) (*TLSMaterial, error) {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return nil, fmt.Errorf("creating cert dir: %w", err)
	}
	certPath := filepath.Join(certDir, "self-signed.crt")
	keyPath := filepath.Join(certDir, "self-signed.key")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		log.Printf("tls: reusing self-signed certificate from %s", certDir)
		return materialFor(cert), nil
	}

	cert, err = mintSelfSigned(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	log.Printf("tls: self-signed certificate written to %s", certDir)
	return materialFor(cert), nil
}

// selfSignedValidity is the lifetime of a generated localhost certificate.
const selfSignedValidity = 365 * 24 * time.Hour

// mintSelfSigned generates a one-host ECDSA certificate, writes the PEM pair
// to disk and returns the loaded keypair.
func mintSelfSigned(certPath, keyPath string) (tls.Certificate, error) {
	var zero tls.Certificate

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return zero, fmt.Errorf("generating key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return zero, fmt.Errorf("generating serial: %w", err)
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"shardgate"}, CommonName: "localhost"},
		NotBefore:             now,
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return zero, fmt.Errorf("creating certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return zero, fmt.Errorf("marshaling key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", certDER, 0644); err != nil {
		return zero, err
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0600); err != nil {
		return zero, err
	}
	return tls.LoadX509KeyPair(certPath, keyPath)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}
