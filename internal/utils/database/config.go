// Package database opens and migrates the orchestrator's relational store.
package database

// Driver names accepted in Config.DriverName.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config db config
type Config struct {
	// data source name
	DSN        string `json:"dsn"`
	DriverName string `json:"driver_name" validate:"omitempty,oneof=postgres sqlite"`

	MaxOpenNum int `json:"maxOpenNum"`
	MaxIdleNum int `json:"maxIdleNum"`
}
