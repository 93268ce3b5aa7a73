package certs

import (
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePEM(t *testing.T, blocks ...*pem.Block) string {
	t.Helper()
	var data []byte
	for _, b := range blocks {
		data = append(data, pem.EncodeToMemory(b)...)
	}
	path := filepath.Join(t.TempDir(), "roots.pem")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestClientConfig_trustsServer(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	path := writePEM(t,
		&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("ignored")},
		&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw},
	)
	t.Setenv("NETJS_TEST_CERTS", path)

	cfg, err := ClientConfig("NETJS_TEST_CERTS")
	require.NoError(t, err)

	tr := &http.Transport{TLSClientConfig: cfg}
	defer tr.CloseIdleConnections()
	resp, err := (&http.Client{Transport: tr}).Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPoolFromEnv_default(t *testing.T) {
	t.Setenv(DefaultEnv, "")
	_, err := PoolFromEnv("")
	assert.True(t, errors.Is(err, ErrUnset), "%v", err)
	assert.Contains(t, err.Error(), DefaultEnv)
}

func TestPoolFromFile_errors(t *testing.T) {
	_, err := PoolFromFile(filepath.Join(t.TempDir(), "missing.pem"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "%v", err)

	_, err = PoolFromFile(writePEM(t, &pem.Block{Type: "PRIVATE KEY", Bytes: []byte("x")}))
	assert.Equal(t, ErrNoCertificates, err)

	_, err = PoolFromFile(writePEM(t, &pem.Block{Type: "CERTIFICATE", Bytes: []byte("garbage")}))
	assert.Error(t, err)
}
