package main

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/bootstrap"
	"github.com/target/mmk-orchestrator/internal/broker"
	"github.com/target/mmk-orchestrator/internal/service"
)

// infraNeeds selects which connections a command opens.
type infraNeeds struct {
	DB     bool
	Redis  bool
	Broker bool
}

// adminDeps holds the connections and services opened for one command.
type adminDeps struct {
	DB     *sql.DB
	Redis  redis.UniversalClient
	Broker *broker.Client
	// Jobs and Services are set when both DB and Broker were requested.
	Jobs     *service.JobManager
	Services bootstrap.ServiceContainer
}

// openDeps connects what the command needs. Redis is optional: a failed connection is logged.
func openDeps(cmdCtx *commandContext, needs infraNeeds) (*adminDeps, error) {
	deps := &adminDeps{}
	cfg := &cmdCtx.Config
	dbCfg := bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, RedisConfig: cfg.Redis, Logger: cmdCtx.Logger}

	if needs.DB {
		db, err := bootstrap.ConnectDB(cmdCtx.Ctx, dbCfg)
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		deps.DB = db
	}

	if needs.Redis {
		client, err := bootstrap.ConnectRedis(cmdCtx.Ctx, dbCfg)
		if err != nil {
			cmdCtx.Logger.Warn("redis unavailable", "error", err)
		} else {
			deps.Redis = client
		}
	}

	if needs.Broker {
		client, err := bootstrap.ConnectBroker(cmdCtx.Ctx, bootstrap.BrokerDeps{Config: cfg.Broker, Logger: cmdCtx.Logger})
		if err != nil {
			return nil, errors.Join(err, deps.Close())
		}
		deps.Broker = client
	}

	if needs.DB && needs.Broker {
		// The admin process never supervises workers.
		svcCfg := *cfg
		svcCfg.Services = string(config.ServiceModeReaper)
		services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
			Config:      &svcCfg,
			DB:          deps.DB,
			RedisClient: deps.Redis,
			Broker:      deps.Broker,
			Logger:      cmdCtx.Logger,
		})
		if err != nil {
			return nil, errors.Join(err, deps.Close())
		}
		deps.Services = services
		deps.Jobs = services.Jobs
	}

	return deps, nil
}

// Close releases every opened connection.
func (d *adminDeps) Close() error {
	if d == nil {
		return nil
	}
	var closeErr error
	if d.Broker != nil {
		if err := d.Broker.Disconnect(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("disconnect broker: %w", err))
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	return closeErr
}

func withDeps(cmdCtx *commandContext, needs infraNeeds, fn func(*adminDeps) error) error {
	deps, err := openDeps(cmdCtx, needs)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := deps.Close(); cerr != nil {
			cmdCtx.Logger.Warn("close connections failed", "error", cerr)
		}
	}()
	return fn(deps)
}
