package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrDuplicate is returned when a write collides with an existing primary or unique key.
	ErrDuplicate = errors.New("duplicate key")
	// ErrNoHours is returned when the hours ledger is empty.
	ErrNoHours = errors.New("no hours available")
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	insertBatchSize = 500
	mysqlDupEntry   = 1062
	hourLayout      = "2006-01-02 15:04:05"
)

// HourRecord is one row of the hours ledger.
type HourRecord struct {
	File      string    `db:"file" json:"file"`
	Hour      time.Time `db:"hour" json:"hour"`
	Processed time.Time `db:"processed" json:"processed"`
	Duration  int64     `db:"duration" json:"duration"` // seconds
	Views     int64     `db:"views" json:"views"`
	MaxQID    int64     `db:"max_qid" json:"max_qid"`
	NQIDs     int64     `db:"n_qids" json:"n_qids"`

	// Started, when set, makes WriteHour record Duration as the time elapsed
	// since Started once the view rows are in.
	Started time.Time `db:"-" json:"-"`
}

// ViewCount is the total views of one QID within a single hour or range.
type ViewCount struct {
	QID   int64 `db:"qid" json:"qid"`
	Views int64 `db:"views" json:"views"`
}

// QIDViews is one row of qid_hourly_views.
type QIDViews struct {
	QID   int64     `db:"qid" json:"qid"`
	Hour  time.Time `db:"hour" json:"hour"`
	Views int64     `db:"views" json:"views"`
}

// Summary describes a range of ingested hours.
type Summary struct {
	MaxQID int64 `db:"max_qid" json:"max_qid"`
	Views  int64 `db:"views" json:"views"`
	Hours  int64 `db:"n_hours" json:"hours"`
}

// Store is the persistence interface.
type Store interface {
	HasFile(ctx context.Context, file string) (bool, error)
	WriteHour(ctx context.Context, rec HourRecord, views []ViewCount) error

	LatestHour(ctx context.Context) (time.Time, error)
	ListHours(ctx context.Context, from, to time.Time) ([]HourRecord, error)
	Summary(ctx context.Context, from, to time.Time) (Summary, error)
	AggregateViews(ctx context.Context, from, to time.Time, fn func(ViewCount) error) error
	QIDSeries(ctx context.Context, qid int64, from, to time.Time) ([]QIDViews, error)

	Close() error
}

// Option configures an SQLStore.
type Option func(*SQLStore)

// WithBulkLoad streams fact rows through LOAD DATA LOCAL INFILE on mysql.
func WithBulkLoad() Option {
	return func(s *SQLStore) { s.bulkLoad = true }
}

// SQLStore implements Store on sqlite or mysql/mariadb.
type SQLStore struct {
	db       *sqlx.DB
	driver   string
	bulkLoad bool
}

// New opens the database and runs migrations.
func New(driver, dsn string, opts ...Option) (*SQLStore, error) {
	var (
		schema []string
		err    error
	)
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
		schema = sqliteSchema
	case DriverMySQL:
		dsn, err = mysqlDSN(dsn)
		if err != nil {
			return nil, err
		}
		schema = mysqlSchema
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Single writer; also keeps :memory: databases on one connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	s := &SQLStore{db: db, driver: driver}
	for _, opt := range opts {
		opt(s)
	}
	if s.bulkLoad && driver != DriverMySQL {
		s.bulkLoad = false
	}
	return s, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
}

func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) HasFile(ctx context.Context, file string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM hours WHERE file = ?", file)
	if err != nil {
		return false, fmt.Errorf("check file %s: %w", file, err)
	}
	return n > 0, nil
}

// WriteHour inserts all view rows for the hour and then its ledger row, atomically.
func (s *SQLStore) WriteHour(ctx context.Context, rec HourRecord, views []ViewCount) error {
	hour := rec.Hour.UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write %s: %w", rec.File, err)
	}
	defer tx.Rollback()

	if s.bulkLoad {
		err = s.loadViews(ctx, tx, rec.File, hour, views)
	} else {
		err = s.insertViews(ctx, tx, hour, views)
	}
	if err != nil {
		return wrapWrite(rec.File, "insert views", err)
	}
	if !rec.Started.IsZero() {
		rec.Duration = int64(time.Since(rec.Started).Round(time.Second) / time.Second)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO hours (file, hour, duration, views, max_qid, n_qids)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.File, hour, rec.Duration, rec.Views, rec.MaxQID, rec.NQIDs)
	if err != nil {
		return wrapWrite(rec.File, "insert hour", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapWrite(rec.File, "commit", err)
	}
	return nil
}

func (s *SQLStore) insertViews(ctx context.Context, tx *sqlx.Tx, hour time.Time, views []ViewCount) error {
	rows := make([]QIDViews, 0, insertBatchSize)
	for start := 0; start < len(views); start += insertBatchSize {
		end := min(start+insertBatchSize, len(views))
		rows = rows[:0]
		for _, v := range views[start:end] {
			rows = append(rows, QIDViews{QID: v.QID, Hour: hour, Views: v.Views})
		}
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO qid_hourly_views (qid, hour, views) VALUES (:qid, :hour, :views)`, rows); err != nil {
			return err
		}
	}
	return nil
}

// loadViews streams rows as TSV through LOAD DATA LOCAL INFILE. The server treats
// duplicate keys as warnings in LOCAL mode, so duplicates are caught by the hours insert.
func (s *SQLStore) loadViews(ctx context.Context, tx *sqlx.Tx, file string, hour time.Time, views []ViewCount) error {
	var buf bytes.Buffer
	h := hour.Format(hourLayout)
	for _, v := range views {
		buf.WriteString(strconv.FormatInt(v.QID, 10))
		buf.WriteByte('\t')
		buf.WriteString(h)
		buf.WriteByte('\t')
		buf.WriteString(strconv.FormatInt(v.Views, 10))
		buf.WriteByte('\n')
	}

	name := "wdpv:" + file
	mysql.RegisterReaderHandler(name, func() io.Reader { return &buf })
	defer mysql.DeregisterReaderHandler(name)

	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`LOAD DATA LOCAL INFILE 'Reader::%s' INTO TABLE qid_hourly_views FIELDS TERMINATED BY '\t' (qid, hour, views)`,
		name))
	return err
}

func wrapWrite(file, step string, err error) error {
	if isDuplicate(err) {
		return fmt.Errorf("write %s: %s: %w: %w", file, step, ErrDuplicate, err)
	}
	return fmt.Errorf("write %s: %s: %w", file, step, err)
}

func isDuplicate(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case int(sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY), int(sqlite3.SQLITE_CONSTRAINT_UNIQUE):
			return true
		case int(sqlite3.SQLITE_CONSTRAINT):
			// extended codes disabled
			return strings.Contains(se.Error(), "UNIQUE constraint failed")
		}
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlDupEntry
	}
	return false
}

func (s *SQLStore) LatestHour(ctx context.Context) (time.Time, error) {
	var hour time.Time
	err := s.db.GetContext(ctx, &hour, "SELECT hour FROM hours ORDER BY hour DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNoHours
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("latest hour: %w", err)
	}
	return hour.UTC(), nil
}

func (s *SQLStore) ListHours(ctx context.Context, from, to time.Time) ([]HourRecord, error) {
	var recs []HourRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT file, hour, processed, duration, views, max_qid, n_qids
		FROM hours
		WHERE hour >= ? AND hour <= ?
		ORDER BY hour
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list hours: %w", err)
	}
	for i := range recs {
		recs[i].Hour = recs[i].Hour.UTC()
	}
	return recs, nil
}

func (s *SQLStore) Summary(ctx context.Context, from, to time.Time) (Summary, error) {
	var sum Summary
	err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(MAX(max_qid), 0) AS max_qid,
			COALESCE(SUM(views), 0) AS views,
			COUNT(*) AS n_hours
		FROM hours
		WHERE hour >= ? AND hour <= ?
	`, from.UTC(), to.UTC())
	if err != nil {
		return Summary{}, fmt.Errorf("summary: %w", err)
	}
	return sum, nil
}

// AggregateViews streams per-QID totals over [from, to]. The unresolved bucket (qid 0)
// is excluded. fn must not call back into the store.
func (s *SQLStore) AggregateViews(ctx context.Context, from, to time.Time, fn func(ViewCount) error) error {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT qid, SUM(views) AS views
		FROM qid_hourly_views
		WHERE hour >= ? AND hour <= ? AND qid <> 0
		GROUP BY qid
	`, from.UTC(), to.UTC())
	if err != nil {
		return fmt.Errorf("aggregate views: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var vc ViewCount
		if err := rows.StructScan(&vc); err != nil {
			return fmt.Errorf("scan views: %w", err)
		}
		if err := fn(vc); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLStore) QIDSeries(ctx context.Context, qid int64, from, to time.Time) ([]QIDViews, error) {
	var series []QIDViews
	err := s.db.SelectContext(ctx, &series, `
		SELECT qid, hour, views
		FROM qid_hourly_views
		WHERE qid = ? AND hour >= ? AND hour <= ?
		ORDER BY hour
	`, qid, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("qid series Q%d: %w", qid, err)
	}
	for i := range series {
		series[i].Hour = series[i].Hour.UTC()
	}
	return series, nil
}
