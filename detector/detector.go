// Package detector turns ledger records into accepted transfers for the
// configured restaurant accounts. Detection is split from cursor commit so
// callers can publish a batch before the cursors that cover it move.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	merchanthub "github.com/scr53005/merchant-hub"
	"github.com/scr53005/merchant-hub/accounts"
	"github.com/scr53005/merchant-hub/cursor"
	"github.com/scr53005/merchant-hub/ledger"
	"github.com/scr53005/merchant-hub/pii"
)

const (
	defaultPageSize    = 100
	defaultBlockWindow = 1200
	defaultMaxPages    = 4
)

// CurrencyConfig says where one currency is read from. MessageType,
// Contract and Action only apply to the message source.
type CurrencyConfig struct {
	Symbol      string
	Source      merchanthub.SourceKind
	MessageType string
	Contract    string
	Action      string
}

// Config controls query sizing.
type Config struct {
	Currencies  []CurrencyConfig
	PageSize    int
	BlockWindow int64
	// MaxPages bounds how many message pages one Detect call reads.
	MaxPages int
}

// Batch is the outcome of one detection pass for one currency.
type Batch struct {
	Currency  string
	Transfers []merchanthub.Transfer
	// Advances holds, per account, the highest record id examined above the
	// account's cursor, whether it was accepted or rejected on its memo.
	Advances map[string]int64
	// Scan is the highest message record id examined, whatever its recipient.
	// Zero for the transfer source, which filters on the recipient itself.
	Scan int64
	// Dropped holds UnknownRecipientError and MalformedRecordError values.
	Dropped []error
	Pages   int
}

// Detector runs the per-currency detection algorithm.
type Detector struct {
	cfg        Config
	currencies map[string]CurrencyConfig
	accounts   accounts.Registry
	cursors    *cursor.Registry
	transfers  ledger.TransferSource
	messages   ledger.MessageSource
	logger     *zap.Logger
	now        func() time.Time
}

// Option customizes a Detector.
type Option func(*Detector)

// WithClock overrides the clock used for DetectedAt.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// New validates cfg and constructs a Detector. Either source may be nil when
// no configured currency reads from it.
func New(cfg Config, registry accounts.Registry, cursors *cursor.Registry, transfers ledger.TransferSource, messages ledger.MessageSource, logger *zap.Logger, opts ...Option) (*Detector, error) {
	if cursors == nil {
		return nil, errors.New("cursor registry is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.BlockWindow <= 0 {
		cfg.BlockWindow = defaultBlockWindow
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if len(cfg.Currencies) == 0 {
		return nil, errors.New("at least one currency is required")
	}
	currencies := make(map[string]CurrencyConfig, len(cfg.Currencies))
	for i, cc := range cfg.Currencies {
		if cc.Symbol == "" {
			return nil, fmt.Errorf("currencies[%d].symbol is required", i)
		}
		if _, dup := currencies[cc.Symbol]; dup {
			return nil, fmt.Errorf("currencies[%d]: duplicate symbol %q", i, cc.Symbol)
		}
		switch cc.Source {
		case merchanthub.SourceTransfers:
			if transfers == nil {
				return nil, fmt.Errorf("currencies[%d]: transfer source is not configured", i)
			}
		case merchanthub.SourceMessages:
			if messages == nil {
				return nil, fmt.Errorf("currencies[%d]: message source is not configured", i)
			}
			if cc.MessageType == "" || cc.Contract == "" || cc.Action == "" {
				return nil, fmt.Errorf("currencies[%d]: messageType, contract and action are required", i)
			}
		default:
			return nil, fmt.Errorf("currencies[%d]: unknown source %q", i, cc.Source)
		}
		currencies[cc.Symbol] = cc
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		cfg:        cfg,
		currencies: currencies,
		accounts:   registry,
		cursors:    cursors,
		transfers:  transfers,
		messages:   messages,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Currencies lists configured symbols in configuration order.
func (d *Detector) Currencies() []string {
	out := make([]string, 0, len(d.cfg.Currencies))
	for _, cc := range d.cfg.Currencies {
		out = append(out, cc.Symbol)
	}
	return out
}

// candidate is one ledger record normalized across source kinds.
type candidate struct {
	recordID    int64
	actionIndex int
	to          string
	from        string
	amount      decimal.Decimal
	memo        string
	blockNum    int64
	metadata    map[string]string
}

// Detect reads new records for currency and classifies them against one
// cursor snapshot. It never writes cursors; see Commit.
func (d *Detector) Detect(ctx context.Context, currency string) (Batch, error) {
	cc, ok := d.currencies[currency]
	if !ok {
		return Batch{}, fmt.Errorf("%w: unknown currency %q", merchanthub.ErrInvalidRequest, currency)
	}
	batch := Batch{Currency: currency, Advances: map[string]int64{}}

	accts := d.accounts.AccountsFor(currency)
	if len(accts) == 0 {
		return batch, nil
	}
	addresses := make([]string, 0, len(accts))
	for _, a := range accts {
		addresses = append(addresses, a.Address)
	}
	snap, err := d.cursors.Snapshot(ctx, addresses, currency)
	if err != nil {
		return Batch{}, fmt.Errorf("cursor snapshot %s: %w", currency, err)
	}

	switch cc.Source {
	case merchanthub.SourceTransfers:
		err = d.detectTransfers(ctx, cc, addresses, snap, &batch)
	case merchanthub.SourceMessages:
		err = d.detectMessages(ctx, cc, snap, &batch)
	}
	if err != nil {
		return Batch{}, err
	}
	// Publish in ledger order.
	sort.SliceStable(batch.Transfers, func(i, j int) bool {
		a, b := batch.Transfers[i], batch.Transfers[j]
		if a.RecordID != b.RecordID {
			return a.RecordID < b.RecordID
		}
		return a.ActionIndex < b.ActionIndex
	})
	return batch, nil
}

func (d *Detector) detectTransfers(ctx context.Context, cc CurrencyConfig, addresses []string, snap cursor.Snapshot, batch *Batch) error {
	rows, err := d.transfers.Transfers(ctx, ledger.TransferQuery{
		Recipients: addresses,
		Symbol:     cc.Symbol,
		MinID:      snap.Floor(),
		Limit:      d.cfg.PageSize,
	})
	if err != nil {
		return err
	}
	batch.Pages++
	examined := d.acceptAll(transferCandidates(rows, batch), snap, batch)
	if examined > 0 || len(rows) < d.cfg.PageSize || len(addresses) < 2 {
		return nil
	}

	// The shared floor is pinned by an account whose cursor lags; every row in
	// the page is at or below its own account's cursor. Page each account from
	// its own cursor.
	d.logger.Info("page_stalled", zap.String("currency", cc.Symbol), zap.Int64("floor", snap.Floor()))
	for _, address := range addresses {
		rows, err := d.transfers.Transfers(ctx, ledger.TransferQuery{
			Recipients: []string{address},
			Symbol:     cc.Symbol,
			MinID:      snap.Get(address),
			Limit:      d.cfg.PageSize,
		})
		if err != nil {
			return err
		}
		batch.Pages++
		d.acceptAll(transferCandidates(rows, batch), snap, batch)
	}
	return nil
}

func transferCandidates(rows []ledger.TransferRow, batch *Batch) []candidate {
	out := make([]candidate, 0, len(rows))
	for _, row := range rows {
		amount, err := decimal.NewFromString(row.Amount)
		if err != nil {
			batch.Dropped = append(batch.Dropped, merchanthub.MalformedRecordError{RecordID: row.ID, Reason: "amount: " + err.Error()})
			continue
		}
		out = append(out, candidate{
			recordID: row.ID,
			to:       row.To,
			from:     row.From,
			amount:   amount,
			memo:     row.Memo,
			blockNum: row.BlockNum,
		})
	}
	return out
}

func (d *Detector) detectMessages(ctx context.Context, cc CurrencyConfig, snap cursor.Snapshot, batch *Batch) error {
	head, err := d.messages.HeadBlock(ctx)
	if err != nil {
		return err
	}
	from := head - d.cfg.BlockWindow
	if from < 0 {
		from = 0
	}
	// Rows up to the scan cursor were examined by an earlier cycle, including
	// the ones for unknown recipients that no account cursor covers.
	minID := max(snap.Floor(), snap.Scan())
	for page := 0; page < d.cfg.MaxPages; page++ {
		rows, err := d.messages.Messages(ctx, ledger.MessageQuery{
			FromBlock:   from,
			ToBlock:     head,
			MessageType: cc.MessageType,
			Contract:    cc.Contract,
			Action:      cc.Action,
			Symbol:      cc.Symbol,
			MinID:       minID,
			Limit:       d.cfg.PageSize,
		})
		if err != nil {
			return err
		}
		batch.Pages++

		var candidates []candidate
		for _, row := range rows {
			if row.ID > minID {
				minID = row.ID
			}
			actions, err := ledger.ParseTokenTransfers(row, cc.Contract, cc.Action)
			if err != nil {
				batch.Dropped = append(batch.Dropped, err)
				continue
			}
			for _, a := range actions {
				if a.Symbol != cc.Symbol {
					continue
				}
				candidates = append(candidates, candidate{
					recordID:    row.ID,
					actionIndex: a.Index,
					to:          a.To,
					from:        a.Sender,
					amount:      a.Quantity,
					memo:        a.Memo,
					blockNum:    row.BlockNum,
					metadata: map[string]string{
						"message_type": row.MessageType,
						"contract":     cc.Contract,
					},
				})
			}
		}
		d.acceptAll(candidates, snap, batch)
		if len(rows) > 0 {
			batch.Scan = minID
		}
		if len(rows) < d.cfg.PageSize {
			return nil
		}
		d.logger.Debug("message_page_full", zap.String("currency", cc.Symbol), zap.Int64("next_min_id", minID), zap.Int("page", page+1))
	}
	return nil
}

// acceptAll applies address, cursor and memo rules and returns how many
// candidates lay above their account's cursor. Those move the account's
// advance even when the memo rejects them.
func (d *Detector) acceptAll(candidates []candidate, snap cursor.Snapshot, batch *Batch) int {
	examined := 0
	for _, c := range candidates {
		acct, ok := d.accounts.Lookup(c.to)
		if !ok || !acct.Accepts(batch.Currency) {
			batch.Dropped = append(batch.Dropped, merchanthub.UnknownRecipientError{RecordID: c.recordID, Address: c.to, Currency: batch.Currency})
			continue
		}
		if c.recordID <= snap.Get(acct.Address) {
			continue
		}
		examined++
		if c.recordID > batch.Advances[acct.Address] {
			batch.Advances[acct.Address] = c.recordID
		}
		if !acct.MatchesMemo(c.memo) {
			d.logger.Debug("memo_mismatch",
				zap.Int64("record_id", c.recordID),
				zap.String("account", pii.Mask(acct.Address)),
				zap.String("memo_hash", pii.ShortHash(c.memo)),
			)
			continue
		}
		batch.Transfers = append(batch.Transfers, merchanthub.Transfer{
			RecordID:     c.recordID,
			ActionIndex:  c.actionIndex,
			Recipient:    acct.Recipient,
			Account:      acct.Address,
			Counterparty: c.from,
			Amount:       c.amount,
			Currency:     batch.Currency,
			Memo:         c.memo,
			DetectedAt:   d.now().UTC(),
			Source:       d.currencies[batch.Currency].Source,
			BlockNum:     c.blockNum,
			Metadata:     c.metadata,
		})
	}
	return examined
}

// Commit advances every cursor in the batch, then the scan cursor. Each
// advance is monotonic, so a partial failure is safe to retry with the same
// batch. The scan cursor only moves once every account cursor has.
func (d *Detector) Commit(ctx context.Context, batch Batch) error {
	accts := make([]string, 0, len(batch.Advances))
	for a := range batch.Advances {
		accts = append(accts, a)
	}
	sort.Strings(accts)
	var errs []error
	for _, account := range accts {
		value, err := d.cursors.AdvanceIfGreater(ctx, account, batch.Currency, batch.Advances[account])
		if err != nil {
			errs = append(errs, fmt.Errorf("advance %s/%s: %w", account, batch.Currency, err))
			continue
		}
		d.logger.Debug("cursor_advanced",
			zap.String("account", pii.Mask(account)),
			zap.String("currency", batch.Currency),
			zap.Int64("cursor", value),
		)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if batch.Scan > 0 {
		if _, err := d.cursors.AdvanceScan(ctx, batch.Currency, batch.Scan); err != nil {
			return fmt.Errorf("advance scan %s: %w", batch.Currency, err)
		}
	}
	return nil
}

// LogDropped writes one warning per dropped record.
func (d *Detector) LogDropped(batch Batch) {
	for _, err := range batch.Dropped {
		fields := []zap.Field{zap.String("currency", batch.Currency), zap.String("reason", DropReason(err))}
		var unknown merchanthub.UnknownRecipientError
		var malformed merchanthub.MalformedRecordError
		switch {
		case errors.As(err, &unknown):
			fields = append(fields, zap.Int64("record_id", unknown.RecordID), zap.String("address", pii.Mask(unknown.Address)))
		case errors.As(err, &malformed):
			fields = append(fields, zap.Int64("record_id", malformed.RecordID), zap.String("detail", malformed.Reason))
		}
		d.logger.Warn("record_dropped", fields...)
	}
}

// DropReason is the metric label for a dropped record error.
func DropReason(err error) string {
	var unknown merchanthub.UnknownRecipientError
	var malformed merchanthub.MalformedRecordError
	switch {
	case errors.As(err, &unknown):
		return "unknown_recipient"
	case errors.As(err, &malformed):
		return "malformed"
	default:
		return "other"
	}
}
