package journey

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"tidbyt.dev/journey/model"
)

func TestBuildTransferTable(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	table, discarded := BuildTransferTable([]model.TransferRecord{
		{FromStopID: "a", ToStopID: "b", TransferType: "2", MinTransferTime: "120"},
		{FromStopID: "a", ToStopID: "c", TransferType: "0", MinTransferTime: ""},
		{FromStopID: "a", ToStopID: "d", TransferType: "1", MinTransferTime: "60"},
		{FromStopID: "a", ToStopID: "e", TransferType: "3", MinTransferTime: "60"},
		{FromStopID: "b", ToStopID: "c", TransferType: " 2 ", MinTransferTime: " 30 "},
		{FromStopID: "c", ToStopID: "d", TransferType: "2", MinTransferTime: ""},
		{FromStopID: "c", ToStopID: "e", TransferType: "2", MinTransferTime: "soon"},
		{FromStopID: "c", ToStopID: "f", TransferType: "2", MinTransferTime: "-5"},
		{FromStopID: "c", ToStopID: "g", TransferType: "2", MinTransferTime: "0"},
		{FromStopID: "x", ToStopID: "y", TransferType: "", MinTransferTime: "10"},
	}, logger)

	assert.Equal(t, 3, discarded)
	assert.Equal(t, []model.TransferRule{
		{FromStopID: "a", ToStopID: "b", MinWaitSec: 120},
		{FromStopID: "b", ToStopID: "c", MinWaitSec: 30},
		{FromStopID: "c", ToStopID: "g", MinWaitSec: 0},
	}, table.Rules())
	assert.Equal(t, 3, table.Len())

	assert.Equal(t, 3, strings.Count(logs.String(), `"level":"WARN"`))
	assert.Contains(t, logs.String(), `"min_transfer_time":"soon"`)

	wait, found := table.Lookup("a", "b")
	assert.True(t, found)
	assert.Equal(t, 120, wait)

	_, found = table.Lookup("b", "a")
	assert.False(t, found)
	_, found = table.Lookup("a", "c")
	assert.False(t, found)
}

func TestBuildTransferTableDuplicates(t *testing.T) {
	// Last value wins, first position is kept
	table, discarded := BuildTransferTable([]model.TransferRecord{
		{FromStopID: "a", ToStopID: "b", TransferType: "2", MinTransferTime: "120"},
		{FromStopID: "c", ToStopID: "d", TransferType: "2", MinTransferTime: "60"},
		{FromStopID: "a", ToStopID: "b", TransferType: "2", MinTransferTime: "300"},
		{FromStopID: "a", ToStopID: "b", TransferType: "0", MinTransferTime: "1"},
	}, quietLogger)

	assert.Equal(t, 0, discarded)
	assert.Equal(t, []model.TransferRule{
		{FromStopID: "a", ToStopID: "b", MinWaitSec: 300},
		{FromStopID: "c", ToStopID: "d", MinWaitSec: 60},
	}, table.Rules())
}

func TestNewTransferTable(t *testing.T) {
	table := NewTransferTable([]model.TransferRule{
		{FromStopID: "z", ToStopID: "y", MinWaitSec: 1},
		{FromStopID: "a", ToStopID: "b", MinWaitSec: 2},
	})
	assert.Equal(t, "z", table.Rules()[0].FromStopID)
	assert.Equal(t, "a", table.Rules()[1].FromStopID)
}

func TestNilTransferTable(t *testing.T) {
	var table *TransferTable
	assert.Empty(t, table.Rules())
	assert.Equal(t, 0, table.Len())
	_, found := table.Lookup("a", "b")
	assert.False(t, found)
}
