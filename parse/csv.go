package parse

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"
)

func init() {
	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(in)
	})
}

// Strips any unicode BOM and verifies that the header line holds
// all required columns. Returns a reader positioned at the start of
// the (BOM-less) header.
func withColumns(data io.Reader, required ...string) (io.Reader, error) {
	br := bufio.NewReader(bom.NewReader(data))

	header, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	// Skip leading blank lines, feeds built by hand tend to
	// have them.
	for strings.TrimSpace(header) == "" && err == nil {
		header, err = br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading header: %w", err)
		}
	}

	present := map[string]bool{}
	for _, col := range strings.Split(header, ",") {
		present[strings.Trim(strings.TrimSpace(col), `"`)] = true
	}

	for _, col := range required {
		if !present[col] {
			return nil, fmt.Errorf("missing column %s", col)
		}
	}

	return io.MultiReader(strings.NewReader(header), br), nil
}
