// Package sqlite 提供基于SQLite的多后端条目存储
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/hewenyu/capabilities-directory/internal/config"
	"github.com/hewenyu/capabilities-directory/pkg/model"
	"github.com/hewenyu/capabilities-directory/pkg/storage"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS global_discovery_entries (
		gbid TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		interface_name TEXT NOT NULL,
		major_version INTEGER NOT NULL DEFAULT 0,
		minor_version INTEGER NOT NULL DEFAULT 0,
		qos TEXT NOT NULL,
		last_seen_date_ms INTEGER NOT NULL,
		expiry_date_ms INTEGER NOT NULL,
		public_key_id TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		cluster_controller_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (gbid, participant_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gde_domain_interface ON global_discovery_entries (domain, interface_name)`,
	`CREATE INDEX IF NOT EXISTS idx_gde_cluster_controller ON global_discovery_entries (cluster_controller_id)`,
	`CREATE INDEX IF NOT EXISTS idx_gde_participant ON global_discovery_entries (participant_id)`,
}

const selectColumns = `gbid, participant_id, domain, interface_name, major_version, minor_version,
	qos, last_seen_date_ms, expiry_date_ms, public_key_id, address, cluster_controller_id`

// Option 配置GlobalStore
type Option func(*GlobalStore)

// WithClock 设置毫秒时钟
func WithClock(now func() int64) Option {
	return func(s *GlobalStore) {
		s.now = now
	}
}

// WithLogger 设置日志
func WithLogger(logger config.Logger) Option {
	return func(s *GlobalStore) {
		s.logger = logger
	}
}

// GlobalStore 以(gbid, participant_id)为主键持久化多后端条目，复合操作在单个事务中完成
type GlobalStore struct {
	db *sql.DB

	defaultExpiryIntervalMs int64
	now                     func() int64
	logger                  config.Logger
}

var _ storage.GlobalStore = (*GlobalStore)(nil)

// NewGlobalStore 打开数据库并创建表结构，path为":memory:"时使用内存数据库
func NewGlobalStore(path string, defaultExpiryInterval time.Duration, opts ...Option) (*GlobalStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开SQLite数据库失败: %w", err)
	}
	// 内存库每个连接各自独立，文件库也只允许单写者
	db.SetMaxOpenConns(1)

	s := &GlobalStore{
		db:                      db,
		defaultExpiryIntervalMs: defaultExpiryInterval.Milliseconds(),
		now:                     func() int64 { return time.Now().UnixMilli() },
		logger:                  config.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接SQLite数据库失败: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("创建表结构失败: %w", err)
		}
	}

	s.logger.Info("SQLite存储已就绪", zap.String("path", path))
	return s, nil
}

// Add 在单个事务中写入每个后端的行
func (s *GlobalStore) Add(ctx context.Context, entry *model.Entry, gbids []string) error {
	if err := storage.ValidateAdd(entry, gbids); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewReplicationError("开启事务失败", err)
	}
	defer tx.Rollback()

	for _, gbid := range storage.DedupeGbids(gbids) {
		row, err := storage.BackendRow(entry, gbid)
		if err != nil {
			return storage.NewReplicationError("写入多后端条目失败", err)
		}
		if err := upsertRow(ctx, tx, row); err != nil {
			return storage.NewReplicationError("写入多后端条目失败", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.NewReplicationError("提交事务失败", err)
	}
	return nil
}

func upsertRow(ctx context.Context, tx *sql.Tx, row *model.Entry) error {
	qos, err := json.Marshal(row.Qos)
	if err != nil {
		return fmt.Errorf("序列化QoS失败: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO global_discovery_entries (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (gbid, participant_id) DO UPDATE SET
			domain = excluded.domain,
			interface_name = excluded.interface_name,
			major_version = excluded.major_version,
			minor_version = excluded.minor_version,
			qos = excluded.qos,
			last_seen_date_ms = excluded.last_seen_date_ms,
			expiry_date_ms = excluded.expiry_date_ms,
			public_key_id = excluded.public_key_id,
			address = excluded.address,
			cluster_controller_id = excluded.cluster_controller_id`,
		row.Gbid, row.ParticipantID, row.Domain, row.InterfaceName,
		row.ProviderVersion.Major, row.ProviderVersion.Minor, string(qos),
		row.LastSeenDateMs, row.ExpiryDateMs, row.PublicKeyID, row.Address, row.ClusterControllerID)
	return err
}

// Remove 删除指定后端的行
func (s *GlobalStore) Remove(ctx context.Context, participantID string, gbids []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storage.NewReplicationError("开启事务失败", err)
	}
	defer tx.Rollback()

	deleted := 0
	for _, gbid := range storage.DedupeGbids(gbids) {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM global_discovery_entries WHERE gbid = ? AND participant_id = ?`, gbid, participantID)
		if err != nil {
			return 0, storage.NewReplicationError("删除多后端条目失败", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, storage.NewReplicationError("删除多后端条目失败", err)
		}
		deleted += int(n)
	}

	result := deleted
	if deleted == 0 {
		var remaining int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM global_discovery_entries WHERE participant_id = ?`, participantID).Scan(&remaining)
		if err != nil {
			return 0, fmt.Errorf("查询参与者失败: %w", err)
		}
		result = storage.RemoveResultNoEntryForParticipant
		if remaining > 0 {
			s.logger.Warn("参与者不存在于所选后端",
				zap.String("participantId", participantID),
				zap.Strings("gbids", gbids))
			result = storage.RemoveResultNoEntryForSelectedBackends
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storage.NewReplicationError("提交事务失败", err)
	}
	return result, nil
}

// Lookup 按域列表和接口名查询
func (s *GlobalStore) Lookup(ctx context.Context, domains []string, interfaceName string) ([]*model.Entry, error) {
	if len(domains) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(domains)+1)
	args = append(args, interfaceName)
	for _, d := range domains {
		args = append(args, d)
	}

	//nolint:gosec // 占位符为字面量"?"
	query := `SELECT ` + selectColumns + ` FROM global_discovery_entries
		WHERE interface_name = ? AND domain IN (` + placeholders(len(domains)) + `)`
	return s.query(ctx, query, args...)
}

// LookupByParticipantID 返回参与者在所有后端的行
func (s *GlobalStore) LookupByParticipantID(ctx context.Context, participantID string) ([]*model.Entry, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM global_discovery_entries WHERE participant_id = ?`, participantID)
}

// Touch 刷新某节点拥有的所有行
func (s *GlobalStore) Touch(ctx context.Context, clusterControllerID string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE global_discovery_entries SET last_seen_date_ms = ?, expiry_date_ms = ? WHERE cluster_controller_id = ?`,
		now, now+s.defaultExpiryIntervalMs, clusterControllerID)
	if err != nil {
		return storage.NewReplicationError("刷新条目失败", err)
	}
	return nil
}

// TouchSelected 刷新某节点拥有的指定参与者的行
func (s *GlobalStore) TouchSelected(ctx context.Context, clusterControllerID string, participantIDs []string) error {
	if len(participantIDs) == 0 {
		return nil
	}
	now := s.now()
	args := []any{now, now + s.defaultExpiryIntervalMs, clusterControllerID}
	for _, id := range participantIDs {
		args = append(args, id)
	}

	//nolint:gosec // 占位符为字面量"?"
	query := `UPDATE global_discovery_entries SET last_seen_date_ms = ?, expiry_date_ms = ?
		WHERE cluster_controller_id = ? AND participant_id IN (` + placeholders(len(participantIDs)) + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return storage.NewReplicationError("刷新条目失败", err)
	}
	return nil
}

// RemoveStale 删除某节点过期的行
func (s *GlobalStore) RemoveStale(ctx context.Context, clusterControllerID string, maxLastSeenDateMs int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM global_discovery_entries WHERE cluster_controller_id = ? AND last_seen_date_ms < ?`,
		clusterControllerID, maxLastSeenDateMs)
	if err != nil {
		return 0, storage.NewReplicationError("清理过期条目失败", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storage.NewReplicationError("清理过期条目失败", err)
	}
	if n > 0 {
		s.logger.Info("已清理过期的多后端条目",
			zap.String("clusterControllerId", clusterControllerID),
			zap.Int64("count", n))
	}
	return int(n), nil
}

// Close 关闭数据库连接
func (s *GlobalStore) Close() error {
	return s.db.Close()
}

func (s *GlobalStore) query(ctx context.Context, query string, args ...any) ([]*model.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询条目失败: %w", err)
	}
	defer rows.Close()

	var result []*model.Entry
	for rows.Next() {
		var (
			e   model.Entry
			qos string
		)
		if err := rows.Scan(&e.Gbid, &e.ParticipantID, &e.Domain, &e.InterfaceName,
			&e.ProviderVersion.Major, &e.ProviderVersion.Minor, &qos,
			&e.LastSeenDateMs, &e.ExpiryDateMs, &e.PublicKeyID, &e.Address, &e.ClusterControllerID); err != nil {
			return nil, fmt.Errorf("读取条目失败: %w", err)
		}
		if err := json.Unmarshal([]byte(qos), &e.Qos); err != nil {
			return nil, fmt.Errorf("解析QoS失败: %w", err)
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历条目失败: %w", err)
	}
	storage.SortRows(result)
	return result, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
