package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/storyledger/internal/config"
	"github.com/MarkoPoloResearchLab/storyledger/internal/httpapi"
)

const (
	testAdminSecret = "0123456789abcdef0123456789abcdef"
	testCatalog     = "packs:\n  - id: pack_small\n    name: Small pack\n    credits: 500\n"
)

func runCommand(test *testing.T, args ...string) (string, error) {
	test.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAdminTokenCommandPrintsOperatorToken(test *testing.T) {
	output, err := runCommand(test, "admin-token",
		"--env-file=",
		"--admin-jwt-secret="+testAdminSecret,
		"--admin-id=ops-7",
	)
	require.NoError(test, err)

	var claims httpapi.AdminClaims
	_, err = jwt.ParseWithClaims(strings.TrimSpace(output), &claims, func(*jwt.Token) (any, error) {
		return []byte(testAdminSecret), nil
	})
	require.NoError(test, err)
	require.Equal(test, httpapi.AdminRole, claims.Role)
	require.Equal(test, "ops-7", claims.Subject)
}

func TestAdminTokenCommandRequiresAdminID(test *testing.T) {
	_, err := runCommand(test, "admin-token", "--env-file=", "--admin-jwt-secret="+testAdminSecret)
	require.Error(test, err)
}

func TestSweepAndMigrateRunOnSQLite(test *testing.T) {
	directory := test.TempDir()
	catalogPath := filepath.Join(directory, "catalog.yaml")
	require.NoError(test, os.WriteFile(catalogPath, []byte(testCatalog), 0o600))
	args := []string{
		"--env-file=",
		"--admin-jwt-secret=" + testAdminSecret,
		"--database-url=sqlite://" + filepath.Join(directory, "storyledger.db"),
		"--catalog-path=" + catalogPath,
	}

	_, err := runCommand(test, append([]string{"migrate"}, args...)...)
	require.NoError(test, err)
	_, err = runCommand(test, append([]string{"sweep"}, args...)...)
	require.NoError(test, err)
	_, err = runCommand(test, append([]string{"migrate", "--down=1"}, args...)...)
	require.ErrorContains(test, err, "only PostgreSQL")
}

func TestOpenApplicationUsesGORMOnSQLite(test *testing.T) {
	directory := test.TempDir()
	catalogPath := filepath.Join(directory, "catalog.yaml")
	require.NoError(test, os.WriteFile(catalogPath, []byte(testCatalog), 0o600))
	cfg := config.Config{
		DatabaseURL:    filepath.Join(directory, "storyledger.db"),
		PostgresEngine: config.EnginePGX,
		CatalogPath:    catalogPath,
		SweepBatchSize: 10,
	}

	app, err := openApplication(context.Background(), cfg, zap.NewNop())
	require.NoError(test, err)
	defer app.Close()
	require.Equal(test, config.EngineGORM, app.engine)
	require.Nil(test, app.pool)
	require.NoError(test, app.ready(context.Background()))
}
