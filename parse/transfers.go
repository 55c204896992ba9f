package parse

import (
	"io"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"tidbyt.dev/journey/model"
)

type TransferCSV struct {
	FromStopID      string `csv:"from_stop_id"`
	ToStopID        string `csv:"to_stop_id"`
	TransferType    string `csv:"transfer_type"`
	MinTransferTime string `csv:"min_transfer_time"`
}

// Reads transfers.txt. Rows are returned as is; filtering by
// transfer_type and parsing of min_transfer_time is left to the
// transfer table.
func ParseTransfers(data io.Reader) ([]model.TransferRecord, error) {
	data, err := withColumns(data, "from_stop_id", "to_stop_id", "transfer_type")
	if err != nil {
		return nil, err
	}

	transferCsv := []*TransferCSV{}
	if err := gocsv.Unmarshal(data, &transferCsv); err != nil {
		return nil, errors.Wrap(err, "unmarshaling transfers csv")
	}

	records := make([]model.TransferRecord, 0, len(transferCsv))
	for i, t := range transferCsv {
		if t.FromStopID == "" || t.ToStopID == "" {
			return nil, errors.Errorf("missing from_stop_id or to_stop_id (row %d)", i+1)
		}
		records = append(records, model.TransferRecord{
			FromStopID:      t.FromStopID,
			ToStopID:        t.ToStopID,
			TransferType:    t.TransferType,
			MinTransferTime: t.MinTransferTime,
		})
	}

	return records, nil
}
