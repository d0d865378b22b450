package loader

import (
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/donorpath/prospect-cli/internal/model"
)

// FromXLSXFile reads a prospect list from the first sheet of an XLSX
// workbook. The first row is the header.
func FromXLSXFile(path string) ([]model.Prospect, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "loader: open %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("loader: %s has no sheets", path)
	}
	sheet := f.Sheets[0]

	var (
		fields    []string
		prospects []model.Prospect
		skipped   int
	)
	for i, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		if i == 0 {
			fields = mapHeader(cells)
			continue
		}
		p, ok := rowToProspect(fields, cells)
		if !ok {
			skipped++
			continue
		}
		prospects = append(prospects, p)
	}

	return validate(prospects, skipped, path)
}

// FromFile dispatches on file extension: .csv or .xlsx.
func FromFile(path string) ([]model.Prospect, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FromCSVFile(path)
	case ".xlsx":
		return FromXLSXFile(path)
	default:
		return nil, eris.Errorf("loader: unsupported file type %s", path)
	}
}
