package store

// Statements are executed one at a time; the mysql driver rejects multi-statement
// strings unless multiStatements is set on the DSN.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS qid_hourly_views (
    qid   INTEGER NOT NULL,
    hour  DATETIME NOT NULL,
    views INTEGER NOT NULL CHECK (views >= 0),
    PRIMARY KEY (qid, hour)
)`,
	`CREATE INDEX IF NOT EXISTS idx_qid_hourly_views_hour ON qid_hourly_views(hour, qid)`,
	`CREATE TABLE IF NOT EXISTS hours (
    file      VARCHAR(80) PRIMARY KEY,
    hour      DATETIME NOT NULL UNIQUE,
    processed DATETIME DEFAULT CURRENT_TIMESTAMP,
    duration  INTEGER,
    views     INTEGER,
    max_qid   INTEGER,
    n_qids    INTEGER
)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS qid_hourly_views (
    qid   INT NOT NULL,
    hour  DATETIME NOT NULL,
    views INT NOT NULL CHECK (views >= 0),
    PRIMARY KEY (qid, hour),
    INDEX (hour, qid)
)`,
	`CREATE TABLE IF NOT EXISTS hours (
    file      VARCHAR(80) PRIMARY KEY,
    hour      DATETIME UNIQUE,
    processed DATETIME DEFAULT CURRENT_TIMESTAMP,
    duration  INT,
    views     INT,
    max_qid   INT,
    n_qids    INT
)`,
}
