/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package migrate applies the plain-SQL patch files under migrations/ in
// filename order, tracking applied versions in schema_migrations.
package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/config"
)

// DefaultMigrationsPath is where migrations live in the container image.
const DefaultMigrationsPath = "/app/migrations"

// Migrator applies pending patch files against one database.
type Migrator struct {
	db   *sqlx.DB
	path string
}

func NewMigrator(db *sqlx.DB, path string) *Migrator {
	if path == "" {
		path = DefaultMigrationsPath
	}
	return &Migrator{db: db, path: path}
}

// ConnectAndMigrate opens a connection from configuration and runs every
// pending migration.
func ConnectAndMigrate(ctx context.Context, path string) error {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.GetDBHost(), config.GetDBPort(), config.GetDBUser(),
		config.GetDBPassword(), config.GetDBName(), config.GetDBSslMode())
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	defer db.Close()
	return NewMigrator(db, path).Run(ctx)
}

// Run applies every patch file that is not yet recorded in
// schema_migrations. Each patch runs in its own transaction.
func (m *Migrator) Run(ctx context.Context) error {
	if _, err := os.Stat(m.path); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory %q does not exist", m.path)
	}
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list applied migrations: %w", err)
	}
	available, err := availableMigrations(m.path)
	if err != nil {
		return err
	}
	pending := pendingMigrations(available, applied)
	if len(pending) == 0 {
		klog.Info("no pending migrations")
		return nil
	}
	klog.Infof("applying %d pending migrations", len(pending))
	for _, name := range pending {
		if err := m.apply(ctx, name); err != nil {
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
	}
	return nil
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func availableMigrations(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func pendingMigrations(available []string, applied map[string]bool) []string {
	var pending []string
	for _, name := range available {
		if !applied[versionOf(name)] {
			pending = append(pending, name)
		}
	}
	return pending
}

func versionOf(filename string) string {
	return strings.TrimSuffix(filename, ".sql")
}

func (m *Migrator) apply(ctx context.Context, filename string) error {
	klog.Infof("applying migration %s", filename)
	content, err := os.ReadFile(filepath.Join(m.path, filename))
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1)`, versionOf(filename)); err != nil {
		return err
	}
	return tx.Commit()
}
