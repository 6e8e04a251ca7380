// Package postgres manages the PostgreSQL connections of the service: the
// auth database (permissions, roles, data scopes) and the boundary/GIS
// database holding administrative polygons and forest-loss records. The two
// may point at the same instance; the split exists because production
// deployments keep them apart.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	AuthURL     string
	BoundaryURL string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// ConnectionManager manages the auth and boundary database connections
type ConnectionManager struct {
	auth     *sql.DB
	boundary *sql.DB
	config   ConnectionConfig
}

// NewConnectionManager opens and verifies both connections. An empty
// BoundaryURL aliases the boundary handle to the auth database.
func NewConnectionManager(config ConnectionConfig) (*ConnectionManager, error) {
	cm := &ConnectionManager{config: config}

	auth, err := open(config, config.AuthURL)
	if err != nil {
		return nil, fmt.Errorf("auth database: %w", err)
	}
	cm.auth = auth

	if config.BoundaryURL == "" || config.BoundaryURL == config.AuthURL {
		cm.boundary = auth
		return cm, nil
	}

	boundary, err := open(config, config.BoundaryURL)
	if err != nil {
		auth.Close()
		return nil, fmt.Errorf("boundary database: %w", err)
	}
	cm.boundary = boundary

	return cm, nil
}

func open(config ConnectionConfig, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConns)
	db.SetMaxIdleConns(config.MinConns)
	db.SetConnMaxLifetime(config.MaxLifetime)
	db.SetConnMaxIdleTime(config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}

	return db, nil
}

// Auth returns the auth database connection
func (cm *ConnectionManager) Auth() *sql.DB {
	return cm.auth
}

// Boundary returns the boundary/GIS database connection
func (cm *ConnectionManager) Boundary() *sql.DB {
	return cm.boundary
}

// HealthCheck pings both databases
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.auth.PingContext(ctx); err != nil {
		return fmt.Errorf("auth database unhealthy: %w", err)
	}
	if cm.boundary != cm.auth {
		if err := cm.boundary.PingContext(ctx); err != nil {
			return fmt.Errorf("boundary database unhealthy: %w", err)
		}
	}
	return nil
}

// Stats returns connection pool statistics
func (cm *ConnectionManager) Stats() (auth, boundary sql.DBStats) {
	return cm.auth.Stats(), cm.boundary.Stats()
}

// Close closes all connections
func (cm *ConnectionManager) Close() error {
	err := cm.auth.Close()
	if cm.boundary != cm.auth {
		if berr := cm.boundary.Close(); err == nil {
			err = berr
		}
	}
	return err
}
