package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/store"
	"go.uber.org/zap"
)

// stores 按 store.driver 组装各类持久化
type stores struct {
	forward  store.ForwardStore
	mappings store.MappingStore
	links    store.LinkStore
	dead     store.DeadLetterSink
	cursors  store.CursorStore
	closers  []func() error
}

// openStores memory 全部在内存；sqlite 全部落库；
// redis 负责转发记录和死信，其余仍落 sqlite
func openStores(ctx context.Context, cfg config.StoreConfig) (*stores, error) {
	switch cfg.Driver {
	case "", "memory":
		mem := store.NewMemory()
		return &stores{forward: mem, mappings: mem, links: mem, dead: mem, cursors: mem}, nil

	case "sqlite":
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &stores{
			forward: db, mappings: db, links: db, dead: db, cursors: db,
			closers: []func() error{db.Close},
		}, nil

	case "redis":
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		rdb, err := store.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Retention)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &stores{
			forward: rdb, mappings: db, links: db, dead: rdb, cursors: db,
			closers: []func() error{rdb.Close, db.Close},
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func (s *stores) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("Failed to close stores", zap.Error(err))
		return err
	}
	return nil
}
