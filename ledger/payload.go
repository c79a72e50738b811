package ledger

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	merchanthub "github.com/scr53005/merchant-hub"
)

// TokenTransfer is a token transfer action decoded from a message payload.
type TokenTransfer struct {
	Index    int
	Sender   string
	To       string
	Symbol   string
	Quantity decimal.Decimal
	Memo     string
}

// ParseTokenTransfers decodes the transfer actions of row that target
// contract/action. A payload may hold one action object or an array of them;
// actions for other contracts are skipped. The sender comes from the
// authorization lists, active authorities first.
func ParseTokenTransfers(row MessageRow, contract, action string) ([]TokenTransfer, error) {
	if !gjson.Valid(row.Payload) {
		return nil, merchanthub.MalformedRecordError{RecordID: row.ID, Reason: "payload is not valid JSON"}
	}
	sender := firstAuth(row.RequiredAuths)
	if sender == "" {
		sender = firstAuth(row.RequiredPostingAuths)
	}
	if sender == "" {
		return nil, merchanthub.MalformedRecordError{RecordID: row.ID, Reason: "no authorizing account"}
	}

	root := gjson.Parse(row.Payload)
	var actions []gjson.Result
	switch {
	case root.IsArray():
		actions = root.Array()
	case root.IsObject():
		actions = []gjson.Result{root}
	default:
		return nil, merchanthub.MalformedRecordError{RecordID: row.ID, Reason: "payload is neither object nor array"}
	}

	var out []TokenTransfer
	for i, a := range actions {
		if a.Get("contractName").String() != contract || a.Get("contractAction").String() != action {
			continue
		}
		p := a.Get("contractPayload")
		if !p.IsObject() {
			return nil, merchanthub.MalformedRecordError{RecordID: row.ID, Reason: "contractPayload is not an object"}
		}
		to := p.Get("to").String()
		if to == "" {
			return nil, merchanthub.MalformedRecordError{RecordID: row.ID, Reason: "contractPayload.to is missing"}
		}
		qty, err := decimal.NewFromString(p.Get("quantity").String())
		if err != nil {
			return nil, merchanthub.MalformedRecordError{RecordID: row.ID, Reason: "contractPayload.quantity: " + err.Error()}
		}
		out = append(out, TokenTransfer{
			Index:    i,
			Sender:   sender,
			To:       to,
			Symbol:   p.Get("symbol").String(),
			Quantity: qty,
			Memo:     p.Get("memo").String(),
		})
	}
	return out, nil
}

func firstAuth(list string) string {
	if list == "" || !gjson.Valid(list) {
		return ""
	}
	return gjson.Get(list, "0").String()
}
