package domain

import "time"

// InstalledPackage is one row of the package manifest.
type InstalledPackage struct {
	Handle   string    `json:"handle"`
	Version  string    `json:"version"`
	Modified time.Time `json:"modified"`
}

// PackageInfo is the metadata a package ships in its package.yaml.
type PackageInfo struct {
	Handle        string `yaml:"handle" json:"handle"`
	Version       string `yaml:"version" json:"version"`
	SchemaVersion string `yaml:"schemaVersion" json:"schemaVersion"`
	RequiresApp   string `yaml:"requiresApp" json:"requiresApp,omitempty"` // minimum application version
}

// Component is an installed (enabled or disabled) plugin/component record.
type Component struct {
	Handle        string    `json:"handle"`
	SchemaVersion string    `json:"schemaVersion"`
	Enabled       bool      `json:"enabled"`
	Installed     time.Time `json:"installed"`
}
