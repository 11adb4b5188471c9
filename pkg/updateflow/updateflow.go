package updateflow

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/RealZimboGuy/updateflow/internal/backup"
	"github.com/RealZimboGuy/updateflow/internal/components"
	"github.com/RealZimboGuy/updateflow/internal/config"
	"github.com/RealZimboGuy/updateflow/internal/controllers"
	"github.com/RealZimboGuy/updateflow/internal/environment"
	"github.com/RealZimboGuy/updateflow/internal/lock"
	"github.com/RealZimboGuy/updateflow/internal/migrations"
	"github.com/RealZimboGuy/updateflow/internal/migrator"
	"github.com/RealZimboGuy/updateflow/internal/packages"
	"github.com/RealZimboGuy/updateflow/internal/projectconfig"
	"github.com/RealZimboGuy/updateflow/internal/repository"
	"github.com/RealZimboGuy/updateflow/internal/updater"
	"github.com/RealZimboGuy/updateflow/internal/workflows"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Database is an open application database. URL is the golang-migrate form
// of the connection (postgres://, mysql://, sqlite3://).
type Database struct {
	*sql.DB
	Type string
	URL  string
}

// OpenDatabase opens the database named by UFLOW_DATABASE_TYPE and brings
// the application schema up to date.
func OpenDatabase() (*Database, error) {
	databaseType := config.GetSystemSettingString(config.DATABASE_TYPE)
	switch databaseType {
	case config.DATABASE_TYPE_POSTGRES:
		return setupPostgresDatabase()
	case config.DATABASE_TYPE_MYSQL:
		return setupMysqlDatabase()
	case config.DATABASE_TYPE_SQLLITE:
		return setupSqlLiteDatabase()
	}
	return nil, errors.New("UFLOW_DATABASE_TYPE must be set to one of the following values: POSTGRES, MYSQL, SQLLITE")
}

func setupPostgresDatabase() (*Database, error) {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		return nil, errors.New("UFLOW_DATABASE_URL must be set when using the POSTGRES database type")
	}
	slog.Info("Using Postgres database")
	slog.Info("Running migrations")
	if err := migrations.Up(config.DATABASE_TYPE_POSTGRES, dbURL); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Database{DB: db, Type: config.DATABASE_TYPE_POSTGRES, URL: dbURL}, nil
}

func setupSqlLiteDatabase() (*Database, error) {
	fileName := config.GetSystemSettingString(config.DATABASE_SQLLITE_FILE_NAME)
	if fileName == "" {
		return nil, errors.New("UFLOW_DATABASE_SQLLITE_FILE_NAME must be set")
	}
	dbURL := "sqlite3://" + fileName
	slog.Info("Using SQLite database", "file", fileName)
	slog.Info("Running migrations")
	if err := migrations.Up(config.DATABASE_TYPE_SQLLITE, dbURL); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	db, err := sql.Open("sqlite3", fileName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Database{DB: db, Type: config.DATABASE_TYPE_SQLLITE, URL: dbURL}, nil
}

func setupMysqlDatabase() (*Database, error) {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		return nil, errors.New("UFLOW_DATABASE_URL must be set when using the MYSQL database type")
	}
	if !strings.Contains(dbURL, "parseTime=true") {
		return nil, errors.New("UFLOW_DATABASE_URL must contain 'parseTime=true' for MySQL")
	}
	if !strings.HasPrefix(dbURL, "mysql://") {
		return nil, errors.New("UFLOW_DATABASE_URL must start with 'mysql://' for MySQL")
	}
	slog.Info("Using MySQL database")
	slog.Info("Running migrations")
	if err := migrations.Up(config.DATABASE_TYPE_MYSQL, dbURL); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	//remove mysql:// prefix from url
	db, err := sql.Open("mysql", strings.Replace(dbURL, "mysql://", "", 1))
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return &Database{DB: db, Type: config.DATABASE_TYPE_MYSQL, URL: dbURL}, nil
}

// NewMaintenanceLock builds the lock named by UFLOW_MAINTENANCE_STORE. The
// returned close func releases any connection the lock holds.
func NewMaintenanceLock(db *sql.DB, clock core.Clock) (updater.MaintenanceLock, func() error, error) {
	lease := config.GetSystemSettingDuration(config.MAINTENANCE_LEASE)
	noop := func() error { return nil }
	switch store := config.GetSystemSettingString(config.MAINTENANCE_STORE); store {
	case config.MAINTENANCE_STORE_DATABASE:
		return repository.NewMaintenanceRepository(db, clock, lease), noop, nil
	case config.MAINTENANCE_STORE_MEMORY:
		slog.Warn("Maintenance mode is held in memory and is not shared with other processes")
		return updater.NewMemoryLock(lease, clock), noop, nil
	case config.MAINTENANCE_STORE_REDIS:
		client := lock.NewRedisClient(lock.Options{
			Addr:     config.GetSystemSettingString(config.REDIS_ADDR),
			Password: config.GetSystemSettingString(config.REDIS_PASSWORD),
			DB:       config.GetSystemSettingInteger(config.REDIS_DB),
		})
		return lock.NewRedisLock(client, lock.DefaultKey, lease, clock), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("UFLOW_MAINTENANCE_STORE must be one of DATABASE, MEMORY, REDIS, got %q", store)
	}
}

func NewPackageManager(db *Database, clock core.Clock) *packages.Manager {
	return packages.NewManager(repository.NewPackageRepository(db.DB, clock), packages.Settings{
		PackagesDir:    config.GetSystemSettingString(config.PACKAGES_DIR),
		InstallCommand: config.GetSystemSettingString(config.PACKAGE_INSTALL_COMMAND),
		RemoveCommand:  config.GetSystemSettingString(config.PACKAGE_REMOVE_COMMAND),
	})
}

// NewMigrationRunner runs package migrations from UFLOW_MIGRATIONS_DIR
// against db.
func NewMigrationRunner(db *Database) *migrator.Runner {
	return migrator.NewRunner(config.GetSystemSettingString(config.MIGRATIONS_DIR), db.URL)
}

// App is the wired update service.
type App struct {
	Database *Database
	Clock    core.Clock
	Lock     updater.MaintenanceLock
	Users    *repository.UserRepository
	StepLogs *repository.StepLogRepository
	Executor *updater.Executor

	closeLock func() error
}

// NewApp builds the repositories, collaborators and both workflows on top
// of an open database.
func NewApp(db *Database) (*App, error) {
	clock := core.NewRealClock()

	maintenance, closeLock, err := NewMaintenanceLock(db.DB, clock)
	if err != nil {
		return nil, err
	}

	secret := config.GetSystemSettingString(config.STATE_SECRET)
	if secret == "" {
		closeLock()
		return nil, errors.New("UFLOW_STATE_SECRET must be set")
	}
	codec, err := updater.NewCodec([]byte(secret), config.GetSystemSettingDuration(config.STATE_TOKEN_MAX_AGE), clock)
	if err != nil {
		closeLock()
		return nil, err
	}

	manager := NewPackageManager(db, clock)
	runner := NewMigrationRunner(db)
	backups := backup.New(db.DB, backup.Settings{
		Dir:          config.GetSystemSettingString(config.BACKUP_DIR),
		DatabaseType: db.Type,
	}, clock)
	env := environment.NewChecker(environment.Settings{
		AppVersion:      config.GetSystemSettingString(config.APP_VERSION),
		BackupDir:       config.GetSystemSettingString(config.BACKUP_DIR),
		MinFreeMemoryMB: uint64(config.GetSystemSettingInteger(config.PRECHECK_MIN_FREE_MEMORY_MB)),
		MinFreeDiskMB:   uint64(config.GetSystemSettingInteger(config.PRECHECK_MIN_FREE_DISK_MB)),
	})

	returnURL := config.GetSystemSettingString(config.RETURN_URL)
	supportURL := config.GetSystemSettingString(config.SUPPORT_URL)

	packageUpdate := workflows.NewPackageUpdate(manager, backups, runner, env, workflows.PackageUpdateSettings{
		PrecheckEnabled: config.GetSystemSettingBool(config.PRECHECK_ENABLED),
		BackupEnabled:   config.GetSystemSettingBool(config.BACKUP_ENABLED),
		KeepBackups:     config.GetSystemSettingBool(config.BACKUP_KEEP),
		ReturnURL:       returnURL,
		SupportURL:      supportURL,
	})
	configSync := workflows.NewConfigSync(
		projectconfig.NewFileSource(config.GetSystemSettingString(config.PROJECT_CONFIG_DIR)),
		repository.NewProjectConfigRepository(db.DB),
		components.NewService(manager, repository.NewComponentRepository(db.DB, clock)),
		returnURL,
	)

	stepLogs := repository.NewStepLogRepository(db.DB, clock)
	registry := updater.NewRegistry(packageUpdate.Definition(), configSync.Definition())

	return &App{
		Database:  db,
		Clock:     clock,
		Lock:      maintenance,
		Users:     repository.NewUserRepository(db.DB, clock),
		StepLogs:  stepLogs,
		Executor:  updater.NewExecutor(registry, codec, maintenance, stepLogs, clock, supportURL),
		closeLock: closeLock,
	}, nil
}

// RegisterRoutes adds the update API to mux and returns mux wrapped so that
// the rest of the application answers 503 while maintenance mode is on.
func (a *App) RegisterRoutes(mux *http.ServeMux) http.Handler {
	controllers.NewUpdaterController(a.Executor, a.Users).RegisterRoutes(mux)
	controllers.NewStepLogsController(a.StepLogs, a.Users).RegisterRoutes(mux)
	controllers.NewUsersController(a.Users).RegisterRoutes(mux)
	maintenance := controllers.NewMaintenanceController(a.Lock, a.Users)
	maintenance.RegisterRoutes(mux)
	return maintenance.Guard(mux)
}

func (a *App) Close() error {
	return errors.Join(a.closeLock(), a.Database.Close())
}

// Start opens the database, wires the update service onto mux and serves
// it. Routes the host application registered on mux beforehand are
// guarded by maintenance mode. This call blocks until the HTTP server stops.
func Start(mux *http.ServeMux) error {
	db, err := OpenDatabase()
	if err != nil {
		return err
	}
	app, err := NewApp(db)
	if err != nil {
		db.Close()
		return err
	}
	defer app.Close()

	if mux == nil {
		mux = http.NewServeMux()
	}
	handler := app.RegisterRoutes(mux)

	addr := ":" + config.GetSystemSettingString(config.SERVER_WEB_PORT)
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		addr = v
	}
	slog.Info("Starting HTTP server", "addr", addr)
	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		return err
	}
	return nil
}

func SetupLogger() {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}
