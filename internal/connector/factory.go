package connector

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// New opens a connector for the configured database kind. Connections are
// task-scoped: the caller must Close on every exit path.
func New(cfg Config) (Connector, error) {
	if strings.TrimSpace(cfg.Kind) == "" {
		return nil, errors.New("connection kind is required")
	}
	switch strings.ToLower(cfg.Kind) {
	case "mysql":
		return newMySQLConnector(cfg)
	case "postgres", "postgresql":
		return newPostgresConnector(cfg)
	case "mssql", "sqlserver":
		return newMSSQLConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported database kind %q", cfg.Kind)
	}
}

func openDatabase(driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	// one task, one connection; no cross-task pooling
	db.SetMaxOpenConns(1)
	return db, nil
}
