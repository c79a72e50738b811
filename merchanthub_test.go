package merchanthub

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	transient := fmt.Errorf("poll HBD: %w", TransientSourceError{Source: "ledger", Err: errors.New("i/o timeout")})
	assert.True(t, IsTransient(transient))
	assert.False(t, IsLeadershipLost(transient))
	assert.ErrorContains(t, transient, "ledger unavailable: i/o timeout")

	lost := fmt.Errorf("renew: %w", LeadershipLostError{Candidate: "a", Holder: "b"})
	assert.True(t, IsLeadershipLost(lost))
	assert.False(t, IsTransient(lost))
	assert.ErrorContains(t, lost, `held by "b"`)

	assert.Equal(t, `candidate "a" does not hold the lease (no holder)`, LeadershipLostError{Candidate: "a"}.Error())
	assert.Equal(t, "acknowledged 1 of 3 entries", PartialAcknowledgmentError{Requested: 3, Acknowledged: 1}.Error())
}

func TestTransferKeySeparatesActions(t *testing.T) {
	first := Transfer{RecordID: 800, Source: SourceMessages}
	second := Transfer{RecordID: 800, ActionIndex: 1, Source: SourceMessages}
	tabular := Transfer{RecordID: 800, Source: SourceTransfers}

	assert.Equal(t, "messages:800:0", first.Key())
	assert.Equal(t, "messages:800:1", second.Key())
	assert.NotEqual(t, first.Key(), tabular.Key())
}
