package config

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const CONFIG_FILE = "UFLOW_CONFIG_FILE"
const DATABASE_TYPE = "UFLOW_DATABASE_TYPE"
const DATABASE_URL = "UFLOW_DATABASE_URL"
const DATABASE_SQLLITE_FILE_NAME = "UFLOW_DATABASE_SQLLITE_FILE_NAME"
const SERVER_WEB_PORT = "UFLOW_SERVER_WEB_PORT"
const WEB_SESSION_EXPIRY_HOURS = "UFLOW_WEB_SESSION_EXPIRY_HOURS"

const STATE_SECRET = "UFLOW_STATE_SECRET"                   //secret the state token HMAC key is derived from
const STATE_TOKEN_MAX_AGE = "UFLOW_STATE_TOKEN_MAX_AGE"     //tokens older than this are rejected, 0 disables
const MAINTENANCE_STORE = "UFLOW_MAINTENANCE_STORE"         //DATABASE, MEMORY or REDIS
const MAINTENANCE_LEASE = "UFLOW_MAINTENANCE_LEASE"         //0 means the lock never expires on its own
const REDIS_ADDR = "UFLOW_REDIS_ADDR"
const REDIS_PASSWORD = "UFLOW_REDIS_PASSWORD"
const REDIS_DB = "UFLOW_REDIS_DB"

const APP_VERSION = "UFLOW_APP_VERSION"
const RETURN_URL = "UFLOW_RETURN_URL"
const SUPPORT_URL = "UFLOW_SUPPORT_URL"

const PACKAGES_DIR = "UFLOW_PACKAGES_DIR"
const PACKAGE_INSTALL_COMMAND = "UFLOW_PACKAGE_INSTALL_COMMAND" //ie "composer require {handle}:{version}"
const PACKAGE_REMOVE_COMMAND = "UFLOW_PACKAGE_REMOVE_COMMAND"
const MIGRATIONS_DIR = "UFLOW_MIGRATIONS_DIR"

const BACKUP_ENABLED = "UFLOW_BACKUP_ENABLED"
const BACKUP_DIR = "UFLOW_BACKUP_DIR"
const BACKUP_KEEP = "UFLOW_BACKUP_KEEP"

const PRECHECK_ENABLED = "UFLOW_PRECHECK_ENABLED"
const PRECHECK_MIN_FREE_MEMORY_MB = "UFLOW_PRECHECK_MIN_FREE_MEMORY_MB"
const PRECHECK_MIN_FREE_DISK_MB = "UFLOW_PRECHECK_MIN_FREE_DISK_MB"

const PROJECT_CONFIG_DIR = "UFLOW_PROJECT_CONFIG_DIR"

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"

const MAINTENANCE_STORE_DATABASE = "DATABASE"
const MAINTENANCE_STORE_MEMORY = "MEMORY"
const MAINTENANCE_STORE_REDIS = "REDIS"

var defaults = map[string]string{
	SERVER_WEB_PORT:             "8080",
	WEB_SESSION_EXPIRY_HOURS:    "1",
	DATABASE_SQLLITE_FILE_NAME:  "./updateflow.db",
	STATE_TOKEN_MAX_AGE:         "24h",
	MAINTENANCE_STORE:           MAINTENANCE_STORE_DATABASE,
	MAINTENANCE_LEASE:           "1h",
	REDIS_ADDR:                  "localhost:6379",
	REDIS_DB:                    "0",
	APP_VERSION:                 "1.0.0",
	RETURN_URL:                  "/",
	PACKAGES_DIR:                "./vendor",
	MIGRATIONS_DIR:              "./migrations",
	BACKUP_ENABLED:              "true",
	BACKUP_DIR:                  "./storage/backups",
	BACKUP_KEEP:                 "true",
	PRECHECK_ENABLED:            "true",
	PRECHECK_MIN_FREE_MEMORY_MB: "256",
	PRECHECK_MIN_FREE_DISK_MB:   "512",
	PROJECT_CONFIG_DIR:          "./config/project",
}

var (
	settings *viper.Viper
	mu       sync.Mutex
)

func load() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	if settings != nil {
		return settings
	}
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	settings = v
	return v
}

// LoadFile merges a YAML/TOML/JSON settings file underneath the environment.
// Keys in the file use the same names as the environment variables.
func LoadFile(path string) error {
	v := load()
	if path == "" {
		path = v.GetString(CONFIG_FILE)
	}
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	return v.ReadInConfig()
}

// Reset drops cached settings so the next read sees the current environment.
func Reset() {
	mu.Lock()
	settings = nil
	mu.Unlock()
}

func GetSystemSettingString(settingKey string) string {
	return strings.TrimSpace(load().GetString(settingKey))
}

func GetSystemSettingInteger(settingKey string) int {
	val := GetSystemSettingString(settingKey)
	if val != "" {
		intValue, _ := strconv.Atoi(val)
		return intValue
	}
	return 0
}

func GetSystemSettingBool(settingKey string) bool {
	b, _ := strconv.ParseBool(GetSystemSettingString(settingKey))
	return b
}

// GetSystemSettingDuration parses Go duration syntax, a bare "0" is accepted as zero.
func GetSystemSettingDuration(settingKey string) time.Duration {
	val := GetSystemSettingString(settingKey)
	if val == "" || val == "0" {
		return 0
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0
	}
	return d
}
