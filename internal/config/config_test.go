package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

const testAdminSecret = "0123456789abcdef0123456789abcdef"

func newFlags(test *testing.T, args ...string) *pflag.FlagSet {
	test.Helper()
	flags := pflag.NewFlagSet("storyledgerd", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(test, flags.Parse(args))
	return flags
}

func TestLoadAppliesDefaultsAndFlags(test *testing.T) {
	flags := newFlags(test, "--admin-jwt-secret="+testAdminSecret, "--dispatch-workers=8", "--allowed-origins=https://a.example, https://b.example")
	cfg, err := Load(flags, "")
	require.NoError(test, err)
	require.Equal(test, defaultHTTPListenAddr, cfg.HTTPListenAddr)
	require.Equal(test, EnginePGX, cfg.PostgresEngine)
	require.Equal(test, 8, cfg.DispatchWorkers)
	require.Equal(test, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	require.Equal(test, defaultInitialCredits, cfg.InitialCredits)
	require.False(test, cfg.WalletEnabled())
	require.Equal(test, 365*24*time.Hour, cfg.SweepOptions().GrantRetention)
}

func TestLoadReadsEnvironmentAndDotEnv(test *testing.T) {
	envFile := filepath.Join(test.TempDir(), ".env")
	content := "STORYLEDGER_ADMIN_JWT_SECRET=" + testAdminSecret + "\nSTORYLEDGER_PADDLE_WEBHOOK_SECRET=pdl_secret\n"
	require.NoError(test, os.WriteFile(envFile, []byte(content), 0o600))
	test.Setenv("DATABASE_URL", "postgres://ledger@localhost:5432/ledger")
	test.Setenv("STORYLEDGER_SESSION_SIGNING_KEY", "session-key")
	test.Setenv("STORYLEDGER_SWEEP_INTERVAL", "15m")
	test.Cleanup(func() {
		_ = os.Unsetenv("STORYLEDGER_ADMIN_JWT_SECRET")
		_ = os.Unsetenv("STORYLEDGER_PADDLE_WEBHOOK_SECRET")
	})

	cfg, err := Load(newFlags(test), envFile)
	require.NoError(test, err)
	require.Equal(test, "postgres://ledger@localhost:5432/ledger", cfg.DatabaseURL)
	require.Equal(test, "pdl_secret", cfg.Providers.PaddleWebhookSecret)
	require.Equal(test, 15*time.Minute, cfg.SweepInterval)
	require.True(test, cfg.WalletEnabled())
}

func TestLoadIgnoresMissingDotEnv(test *testing.T) {
	flags := newFlags(test, "--admin-jwt-secret="+testAdminSecret)
	_, err := Load(flags, filepath.Join(test.TempDir(), "absent.env"))
	require.NoError(test, err)
}

func TestValidateRejectsBadSettings(test *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{name: "missing admin secret", args: nil},
		{name: "short admin secret", args: []string{"--admin-jwt-secret=short"}},
		{name: "negative initial credits", args: []string{"--admin-jwt-secret=" + testAdminSecret, "--initial-credits=-1"}},
		{name: "zero workers", args: []string{"--admin-jwt-secret=" + testAdminSecret, "--dispatch-workers=0"}},
		{name: "reprocess inside dedup window", args: []string{"--admin-jwt-secret=" + testAdminSecret, "--reprocess-after=1m"}},
		{name: "session without cookie", args: []string{"--admin-jwt-secret=" + testAdminSecret, "--session-signing-key=k", "--session-cookie-name="}},
		{name: "unknown postgres engine", args: []string{"--admin-jwt-secret=" + testAdminSecret, "--postgres-engine=sqlx"}},
		{name: "bad origin", args: []string{"--admin-jwt-secret=" + testAdminSecret, "--allowed-origins=not a url"}},
	}
	for _, testCase := range testCases {
		_, err := Load(newFlags(test, testCase.args...), "")
		require.ErrorIs(test, err, ErrInvalidConfig, testCase.name)
	}
}
