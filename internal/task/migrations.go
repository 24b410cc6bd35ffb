package task

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"

	"tiny-agent/deploy/migrations"
	xerrors "tiny-agent/internal/errors"
	"tiny-agent/pkg/logger"
)

// migrationsTable 记录已应用的迁移版本与 dirty 标记。
const migrationsTable = "schema_migrations"

func migrationConfig() *migratemysql.Config {
	return &migratemysql.Config{MigrationsTable: migrationsTable}
}

// runMigrations 在独占连接上应用尚未执行的迁移。
// 使用 WithConnection 而非 WithInstance，迁移结束时只归还连接，不会关闭连接池。
func (s *MySQLStore) runMigrations(ctx context.Context) error {
	src, err := migrations.Source()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载迁移文件失败")
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		_ = src.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取迁移连接失败")
	}
	driver, err := migratemysql.WithConnection(ctx, conn, migrationConfig())
	if err != nil {
		_ = src.Close()
		_ = conn.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化迁移驱动失败")
	}
	m, err := migrate.NewWithInstance("iofs", src, "mysql", driver)
	if err != nil {
		_ = src.Close()
		_ = driver.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建迁移实例失败")
	}
	defer m.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-stop:
		}
	}()

	if err := m.Up(); err != nil && !stdErrors.Is(err, migrate.ErrNoChange) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	if version, dirty, err := m.Version(); err == nil {
		logger.L().Info("数据库迁移完成", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}
	return nil
}
