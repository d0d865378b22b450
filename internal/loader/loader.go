// Package loader ingests prospect lists from CSV and XLSX uploads.
// Column headers are matched loosely so exports from different CRMs load
// without remapping.
package loader

import (
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/donorpath/prospect-cli/internal/model"
)

// headerAliases maps normalized column names to prospect fields.
var headerAliases = map[string]string{
	"id":           "id",
	"prospectid":   "id",
	"name":         "full_name",
	"fullname":     "full_name",
	"prospect":     "full_name",
	"city":         "city",
	"state":        "state",
	"province":     "state",
	"employer":     "employer",
	"company":      "employer",
	"organization": "employer",
	"title":        "title",
	"jobtitle":     "title",
	"crmid":        "crm_record_id",
	"crmrecordid":  "crm_record_id",
	"salesforceid": "crm_record_id",
	"notes":        "notes",
}

// normalizeHeader lowercases a header and strips spaces, underscores,
// and dashes so "Full Name", "full_name", and "FULL-NAME" all match.
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-':
			return -1
		}
		return r
	}, h)
}

// mapHeader resolves a header row to per-column field names. Unknown
// columns map to "".
func mapHeader(header []string) []string {
	fields := make([]string, len(header))
	for i, h := range header {
		fields[i] = headerAliases[normalizeHeader(h)]
	}
	return fields
}

// rowToProspect builds a prospect from one data row. Returns false when
// the row has no usable name.
func rowToProspect(fields []string, row []string) (model.Prospect, bool) {
	var p model.Prospect
	for i, field := range fields {
		if i >= len(row) {
			break
		}
		val := strings.TrimSpace(row[i])
		switch field {
		case "id":
			p.ID = val
		case "full_name":
			p.FullName = val
		case "city":
			p.City = val
		case "state":
			p.State = val
		case "employer":
			p.Employer = val
		case "title":
			p.Title = val
		case "crm_record_id":
			p.CRMRecordID = val
		case "notes":
			p.Notes = val
		}
	}
	if p.FullName == "" {
		return model.Prospect{}, false
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return p, true
}

// validate checks the assembled list and logs skipped rows.
func validate(prospects []model.Prospect, skipped int, source string) ([]model.Prospect, error) {
	if skipped > 0 {
		zap.L().Warn("loader: skipped rows without a name",
			zap.String("source", source),
			zap.Int("skipped", skipped),
		)
	}
	if len(prospects) == 0 {
		return nil, eris.Errorf("loader: %s contains no loadable prospects", source)
	}
	return prospects, nil
}
