package tlsutil

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stepflow/testutil"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.NotEmpty(t, cfg.CipherSuites)

	aead := map[uint16]bool{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384: true,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384:   true,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256: true,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:   true,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305:  true,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305:    true,
	}
	for _, cs := range cfg.CipherSuites {
		assert.True(t, aead[cs], "unexpected non-AEAD cipher suite %s", tls.CipherSuiteName(cs))
	}
}

func TestServerConfig(t *testing.T) {
	certFile, keyFile := testutil.WriteSelfSignedCert(t)

	cfg, err := ServerConfig(certFile, keyFile)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, []string{"h2", "http/1.1"}, cfg.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	_, err = ServerConfig(filepath.Join(t.TempDir(), "missing.pem"), keyFile)
	assert.ErrorContains(t, err, "failed to load TLS key pair")
}

func TestSecureHTTPClient(t *testing.T) {
	certFile, keyFile := testutil.WriteSelfSignedCert(t)
	cfg, err := ServerConfig(certFile, keyFile)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	cfg.NextProtos = nil
	ts.TLS = cfg
	ts.StartTLS()
	defer ts.Close()

	client := SecureHTTPClient(5*time.Second, false)
	assert.Equal(t, 5*time.Second, client.Timeout)
	_, err = client.Get(ts.URL)
	assert.Error(t, err, "self-signed certificate must be rejected by default")

	resp, err := SecureHTTPClient(5*time.Second, true).Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
