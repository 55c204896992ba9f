package journey

import (
	"log/slog"
	"strconv"
	"strings"

	"tidbyt.dev/journey/logging"
	"tidbyt.dev/journey/model"
)

// TransferTable holds the minimum-wait transfers between stop pairs.
//
// Rules are kept in the order their stop pair was first seen. A later
// rule for the same pair replaces the wait but keeps the position.
type TransferTable struct {
	rules []model.TransferRule
	index map[[2]string]int
}

func newTransferTable() *TransferTable {
	return &TransferTable{index: map[[2]string]int{}}
}

func (t *TransferTable) put(from, to string, wait int) {
	key := [2]string{from, to}
	if i, found := t.index[key]; found {
		t.rules[i].MinWaitSec = wait
		return
	}
	t.index[key] = len(t.rules)
	t.rules = append(t.rules, model.TransferRule{
		FromStopID: from,
		ToStopID:   to,
		MinWaitSec: wait,
	})
}

// Builds a TransferTable from transfers.txt records. Only rules of
// type 2 (minimum transfer time) are kept. Returns the table along
// with the number of type 2 records discarded for having a missing or
// invalid min_transfer_time.
func BuildTransferTable(records []model.TransferRecord, logger *slog.Logger) (*TransferTable, int) {
	logger = logging.OrDefault(logger)

	t := newTransferTable()
	discarded := 0

	for i, r := range records {
		transferType, err := strconv.Atoi(strings.TrimSpace(r.TransferType))
		if err != nil || model.TransferType(transferType) != model.TransferTypeMinimumTime {
			continue
		}

		wait, err := strconv.Atoi(strings.TrimSpace(r.MinTransferTime))
		if err != nil || wait < 0 {
			logger.Warn("skipping transfer with bad min_transfer_time",
				slog.Int("row", i+1),
				slog.String("from_stop_id", r.FromStopID),
				slog.String("to_stop_id", r.ToStopID),
				slog.String("min_transfer_time", r.MinTransferTime))
			discarded++
			continue
		}

		t.put(r.FromStopID, r.ToStopID, wait)
	}

	return t, discarded
}

// Creates a TransferTable from rules, in the given order.
func NewTransferTable(rules []model.TransferRule) *TransferTable {
	t := newTransferTable()
	for _, r := range rules {
		t.put(r.FromStopID, r.ToStopID, r.MinWaitSec)
	}
	return t
}

// All rules in iteration order. The returned slice must not be
// modified.
func (t *TransferTable) Rules() []model.TransferRule {
	if t == nil {
		return nil
	}
	return t.rules
}

// Minimum wait in seconds for transferring from one stop to another.
func (t *TransferTable) Lookup(from, to string) (int, bool) {
	if t == nil {
		return 0, false
	}
	i, found := t.index[[2]string{from, to}]
	if !found {
		return 0, false
	}
	return t.rules[i].MinWaitSec, true
}

func (t *TransferTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}
