package main

import (
	"context"
	"fmt"

	"mocktail/internal/storage"
)

// openStore 直接打开设置存储，供不需要拦截器的子命令使用
func openStore(ctx context.Context) (*storage.Store, error) {
	s, err := storage.Open(ctx, storage.Options{
		Dsn:           cfg.Sqlite.Dsn,
		Prefix:        cfg.Sqlite.Prefix,
		StartDisabled: !cfg.Intercept.Enabled,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenStore, err)
	}
	return s, nil
}
