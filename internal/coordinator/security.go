// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coordinator

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"net"
	"os"
	"time"

	"grimm.is/netemu/internal/errors"
)

// SecurityConfig holds the transport's authentication settings.
type SecurityConfig struct {
	SecretKey   string // PSK for HMAC authentication
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
	TLSMutual   bool // require client certificates
}

func (c SecurityConfig) tls() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func loadCA(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidParameter, "failed to read CA certificate")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New(errors.KindInvalidParameter, "failed to parse CA certificate")
	}
	return pool, nil
}

// listen creates a TLS listener if configured, otherwise a plain one.
func listen(addr string, cfg SecurityConfig) (net.Listener, error) {
	if !cfg.tls() {
		return net.Listen("tcp", addr)
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidParameter, "failed to load TLS certificate")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.TLSMutual && cfg.TLSCAFile != "" {
		pool, err := loadCA(cfg.TLSCAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

// dial connects with TLS if configured, otherwise plain TCP.
func dial(addr string, cfg SecurityConfig, timeout time.Duration) (net.Conn, error) {
	if !cfg.tls() {
		return net.DialTimeout("tcp", addr, timeout)
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TLSCAFile != "" {
		pool, err := loadCA(cfg.TLSCAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.TLSMutual {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInvalidParameter, "failed to load TLS certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	dialer := &net.Dialer{Timeout: timeout}
	return tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
}

// PSK authentication: the server sends a nonce, the client answers with
// HMAC-SHA256(nonce, key).

type authChallenge struct {
	Nonce string `json:"nonce"`
}

type authResponse struct {
	MAC string `json:"mac"`
}

func generateNonce() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return hex.EncodeToString(nonce), nil
}

func computeMAC(nonce string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyMAC(nonce, received string, key []byte) bool {
	return hmac.Equal([]byte(computeMAC(nonce, key)), []byte(received))
}
