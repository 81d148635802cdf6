package main

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/coursehub/backend/internal/config"
	"github.com/coursehub/backend/internal/db"
	"github.com/coursehub/backend/internal/jobqueue"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if c.configFlag != nil {
			if path := strings.TrimSpace(*c.configFlag); path != "" {
				os.Setenv(config.ConfigPathEnv, path)
			}
		}
		c.config, c.configErr = config.Load()
	})
	return c.config, c.configErr
}

func (c *commandContext) forceJSON() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func (c *commandContext) withQueue(ctx context.Context, fn func(*jobqueue.Queue) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	queue, err := jobqueue.Connect(ctx, cfg.Redis.URL, jobqueue.WithPrefix(cfg.Queue.Prefix))
	if err != nil {
		return err
	}
	defer queue.Close()
	return fn(queue)
}

func (c *commandContext) withDB(ctx context.Context, fn func(*db.DB) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	database, err := db.New(ctx, cfg.DatabaseDSN(), db.PoolConfig{MaxOpenConns: 2})
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(database)
}
