// Package security builds tls.Config values for both the client-facing
// HTTP listener and the node-to-node Raft transport, out of cert/key/CA
// file paths. Adapted near-verbatim from the teacher's security/security.go
// (same shape, same mTLS behavior), since both listeners in this system
// need exactly the same construction the teacher already wrote for its
// gRPC listener.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Conf is the set of parameters MakeTLSConfig consumes.
type Conf struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	IsServer   bool
	ServerAddr string
}

// Enabled reports whether enough fields are set to build a TLS config at
// all.
func (c Conf) Enabled() bool { return c.CertFile != "" && c.KeyFile != "" }

// MakeTLSConfig builds a *tls.Config from cfg: a leaf certificate if
// cert/key are set, and client-cert verification (server side) or a
// custom root pool (client side) if a CA file is set.
func MakeTLSConfig(cfg Conf) (*tls.Config, error) {
	tlsConf := &tls.Config{}

	var err error
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConf.Certificates = make([]tls.Certificate, 1)
		tlsConf.Certificates[0], err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
	}

	if cfg.CAFile != "" {
		b, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}

		ca := x509.NewCertPool()
		if ok := ca.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("security: failed to parse root certificate: %s", cfg.CAFile)
		}

		if cfg.IsServer {
			tlsConf.ClientCAs = ca
			tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsConf.RootCAs = ca
		}
		tlsConf.ServerName = cfg.ServerAddr
	}

	return tlsConf, nil
}
