package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table (e.g., "fed_data.cbp_data")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
}

// TxPool is the subset of *pgxpool.Pool (and pgxmock.Pool, for tests) that
// BulkUpsert needs: transaction begin. COPY runs on the returned transaction.
type TxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// BulkUpsert performs a bulk upsert via a temp table plus a delete-then-insert
// pass, avoiding ON CONFLICT entirely so it works the same way for
// single-column and composite keys:
//  1. Creates a temp table with the same columns
//  2. COPY rows into the temp table
//  3. DELETE target rows whose conflict keys also appear in the temp table
//  4. INSERT the temp table's rows into the target
//  5. Drops the temp table
func BulkUpsert(ctx context.Context, pool TxPool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx)

	n, err := bulkUpsertInTx(ctx, tx, cfg, rows)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}

	return n, nil
}

// BulkUpsertTx runs one bulk upsert inside an existing transaction, for
// callers batching the upsert alongside other statements under one commit.
func BulkUpsertTx(ctx context.Context, tx pgx.Tx, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}
	return bulkUpsertInTx(ctx, tx, cfg, rows)
}

// MultiUpsertEntry is one table's worth of work for BulkUpsertMulti.
type MultiUpsertEntry struct {
	Config UpsertConfig
	Rows   [][]any
}

// BulkUpsertMulti runs several BulkUpsert-shaped operations inside a single
// transaction, so a batch spanning several tables (e.g. a filing plus its
// extracted rate rows) commits or rolls back together. Returns row counts
// keyed by table name.
func BulkUpsertMulti(ctx context.Context, pool TxPool, entries []MultiUpsertEntry) (map[string]int64, error) {
	results := make(map[string]int64, len(entries))

	hasWork := false
	for _, e := range entries {
		if len(e.Rows) > 0 {
			hasWork = true
			break
		}
	}
	if !hasWork {
		return results, nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		if len(e.Rows) == 0 {
			continue
		}
		if len(e.Config.Columns) == 0 {
			return nil, eris.New("db: upsert: no columns specified")
		}
		if len(e.Config.ConflictKeys) == 0 {
			return nil, eris.New("db: upsert: no conflict keys specified")
		}
		n, err := bulkUpsertInTx(ctx, tx, e.Config, e.Rows)
		if err != nil {
			return nil, err
		}
		results[e.Config.Table] = n
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "db: upsert: commit tx")
	}

	return results, nil
}

func bulkUpsertInTx(ctx context.Context, tx pgx.Tx, cfg UpsertConfig, rows [][]any) (int64, error) {
	tempTable := fmt.Sprintf("_tmp_upsert_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	copySource := pgx.CopyFromRows(rows)
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, copySource); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	var joinClauses []string
	for _, k := range cfg.ConflictKeys {
		quoted := pgx.Identifier{k}.Sanitize()
		joinClauses = append(joinClauses, fmt.Sprintf("%s.%s = %s.%s", sanitizeTable(cfg.Table), quoted, pgx.Identifier{tempTable}.Sanitize(), quoted))
	}

	deleteSQL := fmt.Sprintf(
		"DELETE FROM %s USING %s WHERE %s",
		sanitizeTable(cfg.Table),
		pgx.Identifier{tempTable}.Sanitize(),
		strings.Join(joinClauses, " AND "),
	)
	if _, err := tx.Exec(ctx, deleteSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: delete existing rows for %s", cfg.Table)
	}

	colList := quoteAndJoin(cfg.Columns)
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
	)

	tag, err := tx.Exec(ctx, insertSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: insert from temp table for %s", cfg.Table)
	}

	return tag.RowsAffected(), nil
}

// sanitizeTable handles schema-qualified table names like "fed_data.cbp_data".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
