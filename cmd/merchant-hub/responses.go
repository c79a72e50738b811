package main

import (
	"time"

	"github.com/scr53005/merchant-hub/coordinator"
	"github.com/scr53005/merchant-hub/stream"
)

const timeFormat = time.RFC3339Nano

type leaderRequest struct {
	CandidateID string `json:"candidateId"`
}

type pollRequest struct {
	CandidateID string `json:"candidateId"`
}

type consumeRequest struct {
	ConsumerID string `json:"consumerId"`
	Count      int64  `json:"count"`
}

type ackRequest struct {
	EntryIDs []string `json:"entryIds"`
}

type leaderResponse struct {
	Accepted      bool   `json:"accepted"`
	CurrentHolder string `json:"currentHolder"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
}

type statusResponse struct {
	coordinator.CoordinationStatus
	Runner *coordinator.RunnerStatus `json:"runner,omitempty"`
}

type transferResponse struct {
	EntryID      string            `json:"entryId"`
	Reclaimed    bool              `json:"reclaimed,omitempty"`
	TransferKey  string            `json:"transferKey,omitempty"`
	RecordID     int64             `json:"recordId,omitempty"`
	ActionIndex  int               `json:"actionIndex"`
	Account      string            `json:"account,omitempty"`
	Counterparty string            `json:"counterparty,omitempty"`
	Amount       string            `json:"amount,omitempty"`
	Currency     string            `json:"currency,omitempty"`
	Memo         string            `json:"memo,omitempty"`
	DetectedAt   string            `json:"detectedAt,omitempty"`
	Source       string            `json:"source,omitempty"`
	BlockNum     int64             `json:"blockNum,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type consumeResponse struct {
	ConsumerID   string             `json:"consumerId"`
	Transfers    []transferResponse `json:"transfers"`
	PendingCount int64              `json:"pendingCount"`
	Reclaimed    bool               `json:"reclaimed"`
}

type ackResponse struct {
	Requested         int      `json:"requested"`
	AcknowledgedCount int      `json:"acknowledgedCount"`
	Invalid           []string `json:"invalid,omitempty"`
	Partial           bool     `json:"partial"`
}

type groupResponse struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	LastDeliveredID string `json:"lastDeliveredId"`
	Lag             int64  `json:"lag"`
}

type streamResponse struct {
	RecipientID string          `json:"recipientId"`
	Length      int64           `json:"length"`
	Groups      []groupResponse `json:"groups"`
}

func toLeaderResponse(res coordinator.LeaderResult) leaderResponse {
	out := leaderResponse{Accepted: res.Accepted, CurrentHolder: res.CurrentHolder}
	if !res.ExpiresAt.IsZero() {
		out.ExpiresAt = res.ExpiresAt.UTC().Format(timeFormat)
	}
	return out
}

func toTransferResponse(d stream.Delivery) transferResponse {
	if d.DecodeErr != nil {
		return transferResponse{EntryID: d.EntryID, Reclaimed: d.Reclaimed, Error: d.DecodeErr.Error()}
	}
	t := d.Transfer
	return transferResponse{
		EntryID:      d.EntryID,
		Reclaimed:    d.Reclaimed,
		TransferKey:  t.Key(),
		RecordID:     t.RecordID,
		ActionIndex:  t.ActionIndex,
		Account:      t.Account,
		Counterparty: t.Counterparty,
		Amount:       t.Amount.String(),
		Currency:     t.Currency,
		Memo:         t.Memo,
		DetectedAt:   formatTime(t.DetectedAt),
		Source:       string(t.Source),
		BlockNum:     t.BlockNum,
		Metadata:     t.Metadata,
	}
}

func toConsumeResponse(consumerID string, res stream.ConsumeResult) consumeResponse {
	out := consumeResponse{
		ConsumerID:   consumerID,
		Transfers:    make([]transferResponse, 0, len(res.Deliveries)),
		PendingCount: res.Pending,
		Reclaimed:    res.Reclaimed,
	}
	for _, d := range res.Deliveries {
		out.Transfers = append(out.Transfers, toTransferResponse(d))
	}
	return out
}

func toAckResponse(res stream.AckResult) ackResponse {
	return ackResponse{
		Requested:         res.Requested,
		AcknowledgedCount: res.Acknowledged,
		Invalid:           res.Invalid,
		Partial:           res.Partial(),
	}
}

func toStreamResponse(stats stream.Stats) streamResponse {
	out := streamResponse{RecipientID: stats.Recipient, Length: stats.Length, Groups: make([]groupResponse, 0, len(stats.Groups))}
	for _, g := range stats.Groups {
		out.Groups = append(out.Groups, groupResponse{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
			Lag:             g.Lag,
		})
	}
	return out
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(timeFormat)
}
