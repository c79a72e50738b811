package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	merchanthub "github.com/scr53005/merchant-hub"
)

// DSNConfig holds SQL Server connection settings.
type DSNConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	Encrypt  string
}

// BuildDSN renders a sqlserver:// connection string.
func BuildDSN(cfg DSNConfig) (string, error) {
	if cfg.Password == "" {
		return "", errors.New("sql password is required")
	}
	if cfg.Host == "" || cfg.Database == "" {
		return "", errors.New("sql host and database are required")
	}
	port := cfg.Port
	if port == "" {
		port = "1433"
	}
	uri := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%s", cfg.Host, port),
	}
	query := url.Values{}
	query.Set("database", cfg.Database)
	if cfg.Encrypt != "" {
		query.Set("encrypt", cfg.Encrypt)
	}
	uri.RawQuery = query.Encode()
	return uri.String(), nil
}

// Open connects to SQL Server and pings it.
func Open(ctx context.Context, cfg DSNConfig) (*sql.DB, error) {
	dsn, err := BuildDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("open SQL Server: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping SQL Server: %w", err)
	}
	return db, nil
}

// HiveSQL reads transfers from TxTransfers and custom JSON messages from
// TxCustoms.
type HiveSQL struct {
	db     *sql.DB
	head   *StrategyCache[int64]
	logger *zap.Logger
}

var _ Source = (*HiveSQL)(nil)

// NewHiveSQL constructs a source over an open database.
func NewHiveSQL(db *sql.DB, logger *zap.Logger) (*HiveSQL, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HiveSQL{db: db, logger: logger}
	s.head = NewStrategyCache(
		Variant[int64]{Name: "dynamic_global_properties", Run: s.scalarBlock(`SELECT TOP 1 head_block_number FROM DynamicGlobalProperties`)},
		Variant[int64]{Name: "blocks_max", Run: s.scalarBlock(`SELECT MAX(block_num) FROM Blocks`)},
		Variant[int64]{Name: "txcustoms_max", Run: s.scalarBlock(`SELECT MAX(block_num) FROM TxCustoms`)},
	)
	return s, nil
}

func (s *HiveSQL) scalarBlock(query string) func(ctx context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		var block sql.NullInt64
		if err := s.db.QueryRowContext(ctx, query).Scan(&block); err != nil {
			return 0, err
		}
		if !block.Valid || block.Int64 <= 0 {
			return 0, errors.New("no head block")
		}
		return block.Int64, nil
	}
}

// HeadBlock resolves the current high-water block number.
func (s *HiveSQL) HeadBlock(ctx context.Context) (int64, error) {
	before := s.head.Pinned()
	block, variant, err := s.head.Do(ctx)
	if err != nil {
		return 0, merchanthub.TransientSourceError{Source: "ledger head block", Err: err}
	}
	if variant != before {
		s.logger.Info("head_block_strategy_pinned", zap.String("variant", variant), zap.String("previous", before))
	}
	return block, nil
}

// Transfers returns the Limit oldest matching rows above MinID, newest first.
func (s *HiveSQL) Transfers(ctx context.Context, q TransferQuery) ([]TransferRow, error) {
	if len(q.Recipients) == 0 || q.Limit <= 0 {
		return nil, nil
	}
	args := []any{q.Limit, q.Symbol, q.MinID}
	placeholders := make([]string, 0, len(q.Recipients))
	for _, r := range q.Recipients {
		args = append(args, r)
		placeholders = append(placeholders, fmt.Sprintf("@p%d", len(args)))
	}
	query := `SELECT id, sender, recipient, amount, amount_symbol, memo, block_num, ts
FROM (
  SELECT TOP (@p1) ID AS id, [from] AS sender, [to] AS recipient, CAST(amount AS varchar(64)) AS amount,
    amount_symbol, memo, block_num, [timestamp] AS ts
  FROM TxTransfers
  WHERE [type] = 'transfer' AND amount_symbol = @p2 AND ID > @p3
    AND [to] IN (` + strings.Join(placeholders, ", ") + `)
  ORDER BY ID ASC
) page
ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("ledger transfers", err)
	}
	defer rows.Close()

	var out []TransferRow
	for rows.Next() {
		var (
			row  TransferRow
			memo sql.NullString
			ts   time.Time
		)
		if err := rows.Scan(&row.ID, &row.From, &row.To, &row.Amount, &row.Symbol, &memo, &row.BlockNum, &ts); err != nil {
			return nil, classify("ledger transfers", err)
		}
		row.Memo = memo.String
		row.Timestamp = ts.UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("ledger transfers", err)
	}
	return out, nil
}

// Messages returns the Limit oldest matching messages above MinID inside the
// block window, newest first. Contract, action and symbol are pushed down as
// LIKE prefilters on the quoted JSON value; ParseTokenTransfers makes the
// exact decision.
func (s *HiveSQL) Messages(ctx context.Context, q MessageQuery) ([]MessageRow, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	query := `SELECT id, block_num, ts, tid, required_auths, required_posting_auths, payload
FROM (
  SELECT TOP (@p1) ID AS id, block_num, [timestamp] AS ts, tid, required_auths, required_posting_auths, [json] AS payload
  FROM TxCustoms
  WHERE tid = @p2 AND block_num BETWEEN @p3 AND @p4 AND ID > @p5
    AND (@p6 = '' OR [json] LIKE '%' + @p6 + '%')
    AND (@p7 = '' OR [json] LIKE '%' + @p7 + '%')
    AND (@p8 = '' OR [json] LIKE '%' + @p8 + '%')
  ORDER BY ID ASC
) page
ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query,
		q.Limit, q.MessageType, q.FromBlock, q.ToBlock, q.MinID,
		quoted(q.Contract), quoted(q.Action), quoted(q.Symbol),
	)
	if err != nil {
		return nil, classify("ledger messages", err)
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var (
			row          MessageRow
			auths        sql.NullString
			postingAuths sql.NullString
			ts           time.Time
		)
		if err := rows.Scan(&row.ID, &row.BlockNum, &ts, &row.MessageType, &auths, &postingAuths, &row.Payload); err != nil {
			return nil, classify("ledger messages", err)
		}
		row.Timestamp = ts.UTC()
		row.RequiredAuths = auths.String
		row.RequiredPostingAuths = postingAuths.String
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("ledger messages", err)
	}
	return out, nil
}

// quoted narrows LIKE filters to whole JSON string values.
func quoted(value string) string {
	if value == "" {
		return ""
	}
	return `"` + value + `"`
}

// classify marks every database failure as transient except schema errors,
// which no retry can fix.
func classify(source string, err error) error {
	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		switch mssqlErr.Number {
		case 207, 208:
			return fmt.Errorf("%s: %w", source, err)
		}
	}
	return merchanthub.TransientSourceError{Source: source, Err: err}
}
