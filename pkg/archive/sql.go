package archive

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lk2023060901/zeus-plugin/pkg/logger"
)

// pluginRow 对应 plugins 表，(id, generation) 为主键。
type pluginRow struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Generation   int64  `gorm:"column:generation;primaryKey;autoIncrement:false"`
	Location     string `gorm:"column:location;size:1024;not null"`
	LocalPath    string `gorm:"column:local_path;size:1024"`
	SymbolicName string `gorm:"column:symbolic_name;size:255"`
	Version      string `gorm:"column:version;size:64"`
	LastModified int64  `gorm:"column:last_modified"`
	Timestamp    int64  `gorm:"column:timestamp"`
	StartLevel   int    `gorm:"column:start_level"`
	Autostart    int    `gorm:"column:autostart"`
}

func (pluginRow) TableName() string { return "plugins" }

// resourceRow 对应 plugin_resources 表。
type resourceRow struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Generation   int64  `gorm:"column:generation;primaryKey;autoIncrement:false"`
	ResourcePath string `gorm:"column:resource_path;primaryKey;size:512"`
	Blob         []byte `gorm:"column:blob"`
}

func (resourceRow) TableName() string { return "plugin_resources" }

var (
	pluginColumns   = []string{"id", "generation", "location", "local_path", "symbolic_name", "version", "last_modified", "timestamp", "start_level", "autostart"}
	resourceColumns = []string{"id", "generation", "resource_path", "blob"}
)

func toRow(a *Archive) pluginRow {
	return pluginRow{
		ID:           a.ID,
		Generation:   a.Generation,
		Location:     a.Location,
		LocalPath:    a.LocalPath,
		SymbolicName: a.SymbolicName,
		Version:      a.Version,
		LastModified: a.LastModified.UnixNano(),
		Timestamp:    a.Timestamp.UnixNano(),
		StartLevel:   a.StartLevel,
		Autostart:    int(a.Autostart),
	}
}

func (r pluginRow) archive() *Archive {
	return &Archive{
		ID:           r.ID,
		Generation:   r.Generation,
		Location:     r.Location,
		LocalPath:    r.LocalPath,
		SymbolicName: r.SymbolicName,
		Version:      r.Version,
		LastModified: time.Unix(0, r.LastModified),
		Timestamp:    time.Unix(0, r.Timestamp),
		StartLevel:   r.StartLevel,
		Autostart:    Autostart(r.Autostart),
	}
}

// SQLBackend 基于 gorm 的归档后端，支持 sqlite 与 mysql。
type SQLBackend struct {
	cfg    Config
	logger logger.Logger
	db     *gorm.DB
}

// NewSQLBackend 创建 SQL 后端，连接在 Open 时建立。
func NewSQLBackend(cfg Config, l logger.Logger) *SQLBackend {
	if l == nil {
		l = logger.Nop()
	}
	return &SQLBackend{cfg: cfg, logger: l}
}

// Name 返回驱动名。
func (b *SQLBackend) Name() string {
	return b.cfg.Driver
}

// DB 返回底层连接，仅供诊断。
func (b *SQLBackend) DB() *gorm.DB {
	return b.db
}

// Open 建立连接并校验表结构：完全缺失时创建，不一致时删除重建。
func (b *SQLBackend) Open(ctx context.Context) error {
	dialector, err := b.dialector()
	if err != nil {
		return err
	}

	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
	if b.cfg.LogSQL {
		gormCfg.Logger = newGormLogger(b.logger, gormlogger.Info)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return b.openError("open", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return storeError(ConnectionInvalid, "open", err)
	}
	if b.cfg.Driver == DriverSQLite {
		// 单连接避免 SQLITE_BUSY，写入已由 Store 串行化。
		sqlDB.SetMaxOpenConns(1)
	} else if b.cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(b.cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(b.cfg.MaxOpenConns)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return b.openError("ping", err)
	}
	b.db = db
	if err := b.ensureSchema(ctx); err != nil {
		_ = sqlDB.Close()
		b.db = nil
		return err
	}
	return nil
}

func (b *SQLBackend) dialector() (gorm.Dialector, error) {
	switch b.cfg.Driver {
	case DriverSQLite:
		dir := filepath.Dir(b.cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storeError(CreateDir, "open", err)
		}
		return sqlite.Open(b.cfg.Path + "?_pragma=busy_timeout(5000)"), nil
	case DriverMySQL:
		return mysql.Open(b.cfg.DSN), nil
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "unsupported sql driver %q", b.cfg.Driver)
	}
}

// openError 将 sqlite 文件不可读归为损坏，其余归为连接错误。
func (b *SQLBackend) openError(op string, err error) error {
	if b.cfg.Driver == DriverSQLite {
		return storeError(FileCorrupt, op, err)
	}
	return storeError(ConnectionInvalid, op, err)
}

func (b *SQLBackend) ensureSchema(ctx context.Context) error {
	m := b.db.WithContext(ctx).Migrator()
	hasPlugins := m.HasTable(&pluginRow{})
	hasResources := m.HasTable(&resourceRow{})

	if hasPlugins && hasResources && columnsMatch(m) {
		return nil
	}
	if hasPlugins || hasResources {
		b.logger.Warn("archive schema mismatch, recreating tables", fields("driver", b.cfg.Driver)...)
		if err := m.DropTable(&resourceRow{}, &pluginRow{}); err != nil {
			return b.openError("drop schema", err)
		}
	}
	if err := m.AutoMigrate(&pluginRow{}, &resourceRow{}); err != nil {
		return b.openError("create schema", err)
	}
	return nil
}

func columnsMatch(m gorm.Migrator) bool {
	for _, col := range pluginColumns {
		if !m.HasColumn(&pluginRow{}, col) {
			return false
		}
	}
	for _, col := range resourceColumns {
		if !m.HasColumn(&resourceRow{}, col) {
			return false
		}
	}
	return true
}

// Close 关闭连接。
func (b *SQLBackend) Close() error {
	if b.db == nil {
		return nil
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return storeError(ConnectionInvalid, "close", err)
	}
	b.db = nil
	return sqlDB.Close()
}

func (b *SQLBackend) conn(ctx context.Context, op string) (*gorm.DB, error) {
	if b.db == nil {
		return nil, storeError(NotOpen, op, nil)
	}
	return b.db.WithContext(ctx), nil
}

// Rows 返回全部行。
func (b *SQLBackend) Rows(ctx context.Context) ([]*Archive, error) {
	db, err := b.conn(ctx, "rows")
	if err != nil {
		return nil, err
	}
	var rows []pluginRow
	if err := db.Order("id ASC, generation ASC").Find(&rows).Error; err != nil {
		return nil, storeError(Statement, "rows", err)
	}
	out := make([]*Archive, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.archive())
	}
	return out, nil
}

// Put 在一个事务中写入行与资源。
func (b *SQLBackend) Put(ctx context.Context, a *Archive, resources []Resource) error {
	db, err := b.conn(ctx, "put")
	if err != nil {
		return err
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		row := toRow(a)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if len(resources) == 0 {
			return nil
		}
		rows := make([]resourceRow, 0, len(resources))
		for _, r := range resources {
			rows = append(rows, resourceRow{
				ID:           a.ID,
				Generation:   a.Generation,
				ResourcePath: r.Path,
				Blob:         r.Data,
			})
		}
		return tx.CreateInBatches(rows, 100).Error
	})
	if err != nil {
		return storeError(Write, "put", err)
	}
	return nil
}

// Drop 在一个事务中删除行与资源。
func (b *SQLBackend) Drop(ctx context.Context, id int64, generations ...int64) error {
	db, err := b.conn(ctx, "drop")
	if err != nil {
		return err
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		scope := func(q *gorm.DB) *gorm.DB {
			q = q.Where("id = ?", id)
			if len(generations) > 0 {
				q = q.Where("generation IN ?", generations)
			}
			return q
		}
		if err := scope(tx).Delete(&resourceRow{}).Error; err != nil {
			return err
		}
		return scope(tx).Delete(&pluginRow{}).Error
	})
	if err != nil {
		return storeError(Write, "drop", err)
	}
	return nil
}

// Update 修改 id 所有代的可变列。
func (b *SQLBackend) Update(ctx context.Context, id int64, u RowUpdate) error {
	db, err := b.conn(ctx, "update")
	if err != nil {
		return err
	}
	values := map[string]any{}
	if u.StartLevel != nil {
		values["start_level"] = *u.StartLevel
	}
	if u.Autostart != nil {
		values["autostart"] = int(*u.Autostart)
	}
	if u.LastModified != nil {
		values["last_modified"] = u.LastModified.UnixNano()
	}
	if len(values) == 0 {
		return nil
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		return tx.Model(&pluginRow{}).Where("id = ?", id).Updates(values).Error
	})
	if err != nil {
		return storeError(Write, "update", err)
	}
	return nil
}

// Resource 读取资源内容。
func (b *SQLBackend) Resource(ctx context.Context, key Key, path string) ([]byte, error) {
	db, err := b.conn(ctx, "resource")
	if err != nil {
		return nil, err
	}
	var rows []resourceRow
	err = db.Where("id = ? AND generation = ? AND resource_path = ?", key.ID, key.Generation, path).
		Limit(1).Find(&rows).Error
	if err != nil {
		return nil, storeError(Statement, "resource", err)
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "resource %q in archive %d", path, key.ID)
	}
	return rows[0].Blob, nil
}

// ResourcePaths 返回某代全部资源路径。
func (b *SQLBackend) ResourcePaths(ctx context.Context, key Key) ([]string, error) {
	db, err := b.conn(ctx, "resource paths")
	if err != nil {
		return nil, err
	}
	var paths []string
	err = db.Model(&resourceRow{}).
		Where("id = ? AND generation = ?", key.ID, key.Generation).
		Order("resource_path ASC").
		Pluck("resource_path", &paths).Error
	if err != nil {
		return nil, storeError(Statement, "resource paths", err)
	}
	return paths, nil
}

var _ Backend = (*SQLBackend)(nil)
