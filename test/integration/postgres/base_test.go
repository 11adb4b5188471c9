//go:build integration

package postgres

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/RealZimboGuy/updateflow/internal/config"
	"github.com/RealZimboGuy/updateflow/test/integration/common"
)

var portBase int32 = 9098 // starting port number (can be anything safe)

func nextPort() int {
	return int(atomic.AddInt32(&portBase, 1))
}

func runTestWithSetup(t *testing.T, testFunc func(t *testing.T, port int)) {
	port := nextPort()
	t.Setenv("HTTP_ADDR", ":"+strconv.Itoa(port))
	container, dsn := SetupPostgresTestInstance(t, t.Context())
	defer container.Terminate(context.Background())
	t.Setenv(config.DATABASE_TYPE, config.DATABASE_TYPE_POSTGRES)
	t.Setenv(config.DATABASE_URL, dsn)
	common.PrepareEnvironment(t)
	common.SeedUser(t)
	common.StartServer(t, port)
	testFunc(t, port)
}

func SetupPostgresTestInstance(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_USER":     "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start postgres container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return container, "postgres://test:test@" + host + ":" + port.Port() + "/testdb?sslmode=disable"
}
