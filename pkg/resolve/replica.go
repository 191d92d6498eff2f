package resolve

import (
	"context"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"gopkg.in/ini.v1"

	"github.com/elonfeng/wdpv/internal/metrics"
	"github.com/elonfeng/wdpv/internal/retry"
	"github.com/elonfeng/wdpv/pkg/partition"
)

// DefaultChunkSize bounds the IN (...) list of one replica query.
const DefaultChunkSize = 10000

// Namespace 0 filters are required for the replica indexes to be used; see
// https://wikitech.wikimedia.org/wiki/Help:Toolforge/Database#Replica_database_schema_(tables_and_indexes)
const (
	directQuery = `
		SELECT page_title, pp_value
		FROM page
		JOIN page_props ON page_id = pp_page
		WHERE page_namespace = 0
		AND page_title IN (?)
		AND pp_propname = 'wikibase_item'`

	redirectQuery = `
		SELECT p1.page_title, pp_value
		FROM page AS p1
		JOIN redirect ON p1.page_id = rd_from
		JOIN page AS p2 ON p2.page_namespace = 0 AND p2.page_title = rd_title
		JOIN page_props ON p2.page_id = pp_page
		WHERE p1.page_namespace = 0
		AND p1.page_title IN (?)
		AND p1.page_is_redirect = 1
		AND rd_namespace = 0
		AND rd_interwiki = ''
		AND rd_fragment = ''
		AND pp_propname = 'wikibase_item'`
)

// Connector opens a handle on a wiki's replica database.
type Connector func(dbname string) (*sqlx.DB, error)

// MySQLConnector connects to "<dbname>_p" on the host produced by hostTemplate.
func MySQLConnector(hostTemplate string, port int, user, password string) Connector {
	return func(dbname string) (*sqlx.DB, error) {
		cfg := mysql.NewConfig()
		cfg.User = user
		cfg.Passwd = password
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf(hostTemplate+":%d", dbname, port)
		cfg.DBName = dbname + "_p"
		cfg.Timeout = 10 * time.Second
		cfg.ReadTimeout = 10 * time.Minute

		db, err := sqlx.Open("mysql", cfg.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("open replica %s: %w", dbname, err)
		}
		db.SetMaxOpenConns(2)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return db, nil
	}
}

// LoadCredentials reads user and password from the [client] section of a
// replica.my.cnf style file.
func LoadCredentials(path string) (user, password string, err error) {
	f, err := ini.Load(path)
	if err != nil {
		return "", "", fmt.Errorf("load credentials %s: %w", path, err)
	}
	sec := f.Section("client")
	user = sec.Key("user").String()
	password = sec.Key("password").String()
	if user == "" {
		return "", "", fmt.Errorf("no [client] user in %s", path)
	}
	return user, password, nil
}

// Replica resolves titles with direct sitelink lookups on the wiki replicas,
// falling back to redirects for titles without a direct match.
type Replica struct {
	connect   Connector
	conns     *xsync.Map[string, *sqlx.DB]
	chunkSize int
	retry     retry.Config
	logger    *zap.Logger
}

// ReplicaOption configures a Replica.
type ReplicaOption func(*Replica)

// WithChunkSize overrides DefaultChunkSize.
func WithChunkSize(n int) ReplicaOption {
	return func(r *Replica) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// WithRetry overrides the retry policy for replica queries.
func WithRetry(cfg retry.Config) ReplicaOption {
	return func(r *Replica) { r.retry = cfg }
}

// NewReplica creates a replica resolver.
func NewReplica(connect Connector, logger *zap.Logger, opts ...ReplicaOption) *Replica {
	r := &Replica{
		connect:   connect,
		conns:     xsync.NewMap[string, *sqlx.DB](),
		chunkSize: DefaultChunkSize,
		retry:     retry.DefaultConfig(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Replica) Resolve(ctx context.Context, dbname string, titles []string) (map[string]int64, error) {
	if isWikidata(dbname) {
		return wikidataTitles(titles), nil
	}

	db, err := r.db(dbname)
	if err != nil {
		return nil, err
	}

	results := make(map[string]int64, len(titles))
	nDirect, nRedirect := 0, 0

	for _, chunk := range partition.Chunks(titles, r.chunkSize) {
		n, err := r.query(ctx, db, dbname, "direct", directQuery, chunk, results)
		if err != nil {
			return nil, err
		}
		nDirect += n
	}

	var remaining []string
	for _, t := range titles {
		if _, ok := results[t]; !ok {
			remaining = append(remaining, t)
		}
	}
	for _, chunk := range partition.Chunks(remaining, r.chunkSize) {
		n, err := r.query(ctx, db, dbname, "redirect", redirectQuery, chunk, results)
		if err != nil {
			return nil, err
		}
		nRedirect += n
	}

	metrics.ResolveLookups.WithLabelValues("direct").Add(float64(nDirect))
	metrics.ResolveLookups.WithLabelValues("redirect").Add(float64(nRedirect))
	r.logger.Debug("resolved titles",
		zap.String("db", dbname),
		zap.Int("titles", len(titles)),
		zap.Int("direct", nDirect),
		zap.Int("redirect", nRedirect))
	return results, nil
}

func (r *Replica) db(dbname string) (*sqlx.DB, error) {
	if db, ok := r.conns.Load(dbname); ok {
		return db, nil
	}
	var openErr error
	db, _ := r.conns.Compute(dbname, func(old *sqlx.DB, loaded bool) (*sqlx.DB, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		db, err := r.connect(dbname)
		if err != nil {
			openErr = err
			return nil, xsync.CancelOp
		}
		return db, xsync.UpdateOp
	})
	if openErr != nil {
		return nil, openErr
	}
	return db, nil
}

// query runs one lookup for a chunk, retrying transient failures, and merges the
// rows into results. It returns the number of rows merged.
func (r *Replica) query(ctx context.Context, db *sqlx.DB, dbname, kind, q string, titles []string, results map[string]int64) (int, error) {
	query, args, err := sqlx.In(q, titles)
	if err != nil {
		return 0, fmt.Errorf("build %s query: %w", kind, err)
	}
	query = db.Rebind(query)

	found := make(map[string]int64)
	err = retry.WithBackoff(ctx, r.retry, r.logger, fmt.Sprintf("%s lookup on %s", kind, dbname), func() error {
		clear(found)
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var title, qid []byte
			if err := rows.Scan(&title, &qid); err != nil {
				return err
			}
			id, ok := ParseQID(string(qid))
			if !ok {
				r.logger.Warn("unparseable wikibase_item",
					zap.String("db", dbname),
					zap.ByteString("title", title),
					zap.ByteString("value", qid))
				continue
			}
			found[string(title)] = id
		}
		return rows.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("%s lookup on %s: %w", kind, dbname, err)
	}

	for t, id := range found {
		results[t] = id
	}
	return len(found), nil
}

// Close closes every replica connection.
func (r *Replica) Close() error {
	var firstErr error
	r.conns.Range(func(name string, db *sqlx.DB) bool {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close replica %s: %w", name, err)
		}
		return true
	})
	r.conns.Clear()
	return firstErr
}
