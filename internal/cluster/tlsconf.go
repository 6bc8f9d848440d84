package cluster

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/gravitational/trace"
)

// TLSMaterial bundles the node certificate and the cluster CA pool.
type TLSMaterial struct {
	Certificate tls.Certificate
	CA          *x509.CertPool
}

// LoadTLSMaterial reads the node keypair and the cluster CA bundle from
// disk.
func LoadTLSMaterial(certFile, keyFile, caFile string) (*TLSMaterial, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, trace.Wrap(err, "loading keypair %v", certFile)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, trace.BadParameter("no CA certificates found in %v", caFile)
	}
	return &TLSMaterial{Certificate: cert, CA: pool}, nil
}

func serverTLSConfig(cert tls.Certificate, pool *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
}

// clientTLSConfig verifies the peer chain against the cluster CA by
// hand. Endpoints are named by certificate CN, not DNS, so the standard
// hostname verification cannot apply.
func clientTLSConfig(cert tls.Certificate, pool *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		RootCAs:               pool,
		MinVersion:            tls.VersionTLS12,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeerChain(pool),
	}
}

func verifyPeerChain(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return trace.AccessDenied("peer presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return trace.Wrap(err)
			}
			certs = append(certs, cert)
		}
		opts := x509.VerifyOptions{
			Roots:         pool,
			Intermediates: x509.NewCertPool(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return trace.Wrap(err)
	}
}

// peerIdentity extracts the endpoint name from the verified leaf
// certificate.
func peerIdentity(conn *tls.Conn) (string, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", trace.AccessDenied("connection carries no peer certificate")
	}
	name := state.PeerCertificates[0].Subject.CommonName
	if name == "" {
		return "", trace.AccessDenied("peer certificate has an empty common name")
	}
	return name, nil
}
