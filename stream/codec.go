package stream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	merchanthub "github.com/scr53005/merchant-hub"
)

// Entry field names. Metadata keys are written as metaPrefix+key.
// FieldTransferKey is derived from the others and is the dedupe key for
// consumers; Decode ignores it.
const (
	FieldTransferKey  = "transfer_key"
	FieldRecordID     = "record_id"
	FieldActionIndex  = "action_index"
	FieldRecipient    = "recipient"
	FieldAccount      = "account"
	FieldCounterparty = "counterparty"
	FieldAmount       = "amount"
	FieldCurrency     = "currency"
	FieldMemo         = "memo"
	FieldDetectedAt   = "detected_at"
	FieldSource       = "source"
	FieldBlockNum     = "block_num"
	metaPrefix        = "meta."
)

// Encode flattens a transfer into stream entry fields.
func Encode(t merchanthub.Transfer) map[string]string {
	fields := map[string]string{
		FieldTransferKey:  t.Key(),
		FieldRecordID:     strconv.FormatInt(t.RecordID, 10),
		FieldActionIndex:  strconv.Itoa(t.ActionIndex),
		FieldRecipient:    t.Recipient,
		FieldAccount:      t.Account,
		FieldCounterparty: t.Counterparty,
		FieldAmount:       t.Amount.String(),
		FieldCurrency:     t.Currency,
		FieldMemo:         t.Memo,
		FieldDetectedAt:   t.DetectedAt.UTC().Format(time.RFC3339Nano),
		FieldSource:       string(t.Source),
	}
	if t.BlockNum > 0 {
		fields[FieldBlockNum] = strconv.FormatInt(t.BlockNum, 10)
	}
	for k, v := range t.Metadata {
		fields[metaPrefix+k] = v
	}
	return fields
}

// Decode rebuilds a transfer from entry fields. Unknown fields are ignored.
func Decode(fields map[string]string) (merchanthub.Transfer, error) {
	var t merchanthub.Transfer
	id, err := strconv.ParseInt(fields[FieldRecordID], 10, 64)
	if err != nil {
		return t, fmt.Errorf("%s: %w", FieldRecordID, err)
	}
	amount, err := decimal.NewFromString(fields[FieldAmount])
	if err != nil {
		return t, fmt.Errorf("%s: %w", FieldAmount, err)
	}
	t.RecordID = id
	t.Amount = amount
	t.Recipient = fields[FieldRecipient]
	t.Account = fields[FieldAccount]
	t.Counterparty = fields[FieldCounterparty]
	t.Currency = fields[FieldCurrency]
	t.Memo = fields[FieldMemo]
	t.Source = merchanthub.SourceKind(fields[FieldSource])
	if raw := fields[FieldDetectedAt]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return t, fmt.Errorf("%s: %w", FieldDetectedAt, err)
		}
		t.DetectedAt = at
	}
	if raw := fields[FieldActionIndex]; raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			return t, fmt.Errorf("%s: %w", FieldActionIndex, err)
		}
		t.ActionIndex = idx
	}
	if raw := fields[FieldBlockNum]; raw != "" {
		block, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return t, fmt.Errorf("%s: %w", FieldBlockNum, err)
		}
		t.BlockNum = block
	}
	for k, v := range fields {
		if key, ok := strings.CutPrefix(k, metaPrefix); ok {
			if t.Metadata == nil {
				t.Metadata = map[string]string{}
			}
			t.Metadata[key] = v
		}
	}
	return t, nil
}
