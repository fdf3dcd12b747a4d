/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package client is the Postgres persistence layer. One file per entity
// group; all operations run on a shared *Client with request timeouts from
// configuration.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
)

var (
	once     sync.Once
	instance *Client
)

// Client manages the sqlx database connection and implements
// store.Interface.
type Client struct {
	db             *sqlx.DB
	requestTimeout time.Duration
}

// NewClient creates the singleton database client from configuration. The
// initialization happens only once even if called multiple times; a failed
// initialization returns nil.
func NewClient() *Client {
	once.Do(func() {
		cfg := connConfig{
			DBName:         config.GetDBName(),
			Username:       config.GetDBUser(),
			Password:       config.GetDBPassword(),
			Host:           config.GetDBHost(),
			Port:           config.GetDBPort(),
			SSLMode:        config.GetDBSslMode(),
			ConnectTimeout: config.GetDBConnectTimeoutSecond(),
		}
		if err := checkParams(&cfg); err != nil {
			klog.ErrorS(err, "failed to check db params")
			return
		}
		db, err := connect(&cfg)
		if err != nil {
			klog.ErrorS(err, "failed to connect db")
			return
		}
		db.SetMaxOpenConns(config.GetDBMaxOpenConns())
		db.SetMaxIdleConns(config.GetDBMaxIdleConns())
		db.SetConnMaxLifetime(time.Duration(config.GetDBMaxLifetimeSecond()) * time.Second)
		db.SetConnMaxIdleTime(time.Duration(config.GetDBMaxIdleTimeSecond()) * time.Second)
		if err = db.Ping(); err != nil {
			klog.ErrorS(err, "failed to ping db")
			return
		}
		instance = &Client{
			db:             db,
			requestTimeout: time.Duration(config.GetDBRequestTimeoutSecond()) * time.Second,
		}
		klog.Infof("init db-client successfully! conn-timeout: %d(s), request-timeout: %d(s)",
			cfg.ConnectTimeout, config.GetDBRequestTimeoutSecond())
	})
	return instance
}

// NewClientWithDB wraps an existing connection; used by the migrator and
// tests running against a disposable database.
func NewClientWithDB(db *sqlx.DB, requestTimeout time.Duration) *Client {
	return &Client{db: db, requestTimeout: requestTimeout}
}

type connConfig struct {
	DBName         string
	Username       string
	Password       string
	Host           string
	Port           int
	SSLMode        string
	ConnectTimeout int
}

func connect(cfg *connConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.DBName, cfg.SSLMode, cfg.ConnectTimeout)
	return sqlx.Connect("postgres", dsn)
}

func checkParams(cfg *connConfig) error {
	var err error
	if cfg.DBName == "" {
		err = multierr.Append(err, fmt.Errorf("dbname not found"))
	}
	if cfg.Username == "" {
		err = multierr.Append(err, fmt.Errorf("username not found"))
	}
	if cfg.Password == "" {
		err = multierr.Append(err, fmt.Errorf("password not found"))
	}
	if cfg.Host == "" {
		err = multierr.Append(err, fmt.Errorf("host not found"))
	}
	if cfg.SSLMode == "" {
		err = multierr.Append(err, fmt.Errorf("ssl_mode not found"))
	}
	if cfg.Port == 0 {
		err = multierr.Append(err, fmt.Errorf("port not found"))
	}
	return err
}

// Close performs the Close operation.
func (c *Client) Close() {
	if err := c.db.Close(); err != nil {
		klog.ErrorS(err, "failed to close db connection")
	}
}

// getDB retrieves DB for internal use.
func (c *Client) getDB() (*sqlx.DB, error) {
	if c == nil || c.db == nil {
		return nil, errors.NewInternalError("The client of db has not been initialized")
	}
	return c.db.Unsafe(), nil
}

// requestCtx wraps ctx with the configured request timeout.
func (c *Client) requestCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout > 0 {
		return context.WithTimeout(ctx, c.requestTimeout)
	}
	return context.WithCancel(ctx)
}

// inTx runs fn inside a transaction, rolling back on error.
func (c *Client) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	ctx2, cancel := c.requestCtx(ctx)
	defer cancel()
	tx, err := db.BeginTxx(ctx2, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
