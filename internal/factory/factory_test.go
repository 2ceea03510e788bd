package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/config"
)

func memoryConfig() *config.Config {
	cfg := config.LoadConfig()
	cfg.Environment = "test"
	cfg.JWT.Secret = "factory-test-secret-0123456789abcdef"
	cfg.KMS.Enabled = false
	cfg.RateLimit.Enabled = false
	cfg.Server.EnableTLS = false
	cfg.Backends = config.BackendsConfig{
		Users:        config.BackendMemory,
		Verification: config.BackendMemory,
		Revocation:   config.BackendMemory,
		Notifier:     "log",
		Audit:        []string{"log"},
	}
	return cfg
}

func TestFactoryWiresMemoryBackends(t *testing.T) {
	cfg := memoryConfig()
	require.NoError(t, cfg.Validate())

	f, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	f.Start()

	checks := f.HealthChecks()
	assert.Contains(t, checks, "users")
	assert.Contains(t, checks, "verification")
	assert.Contains(t, checks, "revocations")
	assert.NotContains(t, checks, "redis")
	for name, check := range checks {
		assert.NoError(t, check(context.Background()), name)
	}

	router := f.Router()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/deps", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.NotNil(t, f.ServiceFactory().AuthService())
	assert.Nil(t, f.TLSManager())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Close(ctx))
	require.NoError(t, f.Close(ctx))
	f.WaitForClose()
}

func TestFactoryGeneratesDevelopmentSecret(t *testing.T) {
	cfg := memoryConfig()
	cfg.Environment = "development"
	cfg.JWT.Secret = ""

	f, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	f.Start()
	defer f.Close(context.Background())
	assert.NotEmpty(t, cfg.JWT.Secret)
}

func TestFactoryRequiresSecretInProduction(t *testing.T) {
	cfg := memoryConfig()
	cfg.Environment = "production"
	cfg.JWT.Secret = ""

	assert.Error(t, cfg.Validate())
	_, err := New(cfg, zap.NewNop())
	assert.Error(t, err)
}
