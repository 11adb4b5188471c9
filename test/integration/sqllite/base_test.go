package sqllite

import (
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/RealZimboGuy/updateflow/internal/config"
	"github.com/RealZimboGuy/updateflow/test/integration/common"
)

var portBase int32 = 9018 // starting port number (can be anything safe)

func nextPort() int {
	return int(atomic.AddInt32(&portBase, 1))
}

func runTestWithSetup(t *testing.T, testFunc func(t *testing.T, port int)) {
	port := nextPort()
	t.Setenv("HTTP_ADDR", ":"+strconv.Itoa(port))
	SetupSqlLiteTestInstance(t, filepath.Join(t.TempDir(), "updateflow-test.db"))
	common.PrepareEnvironment(t)
	common.SeedUser(t)
	common.StartServer(t, port)
	testFunc(t, port)
}

func SetupSqlLiteTestInstance(t *testing.T, filename string) {
	t.Setenv(config.DATABASE_TYPE, config.DATABASE_TYPE_SQLLITE)
	t.Setenv(config.DATABASE_SQLLITE_FILE_NAME, filename)
}
