package main

import (
	"crypto/tls"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/acme/autocert"

	"identity-service/internal/config"
)

type fakeCerts struct {
	acme *autocert.Manager
}

func (f fakeCerts) TLSConfig() *tls.Config              { return &tls.Config{MinVersion: tls.VersionTLS12} }
func (f fakeCerts) AutocertManager() *autocert.Manager { return f.acme }

func serverConfig(env string, enableTLS, autoCert bool) *config.Config {
	return &config.Config{
		Environment: env,
		Server: config.ServerConfig{
			Port:      8080,
			TLSPort:   8443,
			EnableTLS: enableTLS,
			AutoCert:  autoCert,
		},
	}
}

func TestBuildListeners(t *testing.T) {
	h := http.NotFoundHandler()

	plain, err := buildListeners(serverConfig("development", false, false), h, fakeCerts{})
	require.NoError(t, err)
	require.Len(t, plain, 1)
	assert.Equal(t, ":8080", plain[0].srv.Addr)
	assert.False(t, plain[0].tls)
	assert.Nil(t, plain[0].srv.TLSConfig)

	secured, err := buildListeners(serverConfig("development", true, true), h, fakeCerts{})
	require.NoError(t, err)
	require.Len(t, secured, 1, "autocert only applies in production")
	assert.Equal(t, ":8443", secured[0].srv.Addr)
	assert.True(t, secured[0].tls)
	assert.NotNil(t, secured[0].srv.TLSConfig)

	prod, err := buildListeners(serverConfig("production", true, true), h, fakeCerts{acme: &autocert.Manager{}})
	require.NoError(t, err)
	require.Len(t, prod, 2)
	assert.Equal(t, ":443", prod[0].srv.Addr)
	assert.True(t, prod[0].tls)
	assert.Equal(t, "acme", prod[1].role)
	assert.Equal(t, ":80", prod[1].srv.Addr)
	assert.False(t, prod[1].tls)

	_, err = buildListeners(serverConfig("production", true, true), h, fakeCerts{})
	assert.Error(t, err)
}
