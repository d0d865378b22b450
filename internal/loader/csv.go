package loader

import (
	"encoding/csv"
	"io"
	"os"

	"github.com/rotisserie/eris"

	"github.com/donorpath/prospect-cli/internal/model"
)

// FromCSV reads a header-mapped prospect list from r.
func FromCSV(r io.Reader, source string) ([]model.Prospect, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // allow variable fields
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, eris.Errorf("loader: %s is empty", source)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "loader: read header of %s", source)
	}
	fields := mapHeader(header)

	var (
		prospects []model.Prospect
		skipped   int
	)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "loader: read row of %s", source)
		}
		p, ok := rowToProspect(fields, row)
		if !ok {
			skipped++
			continue
		}
		prospects = append(prospects, p)
	}

	return validate(prospects, skipped, source)
}

// FromCSVFile reads a prospect list from a CSV file on disk.
func FromCSVFile(path string) ([]model.Prospect, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "loader: open %s", path)
	}
	defer f.Close()
	return FromCSV(f, path)
}
