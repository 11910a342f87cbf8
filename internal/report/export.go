package report

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// WriteJSON serializes the full report structure.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return eris.Wrap(err, "report: encode json")
	}
	return nil
}

// WriteCSV writes the summary rows as flat CSV: attribute, value, length.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"attribute", "value", "length"}); err != nil {
		return eris.Wrap(err, "report: write csv header")
	}
	for _, attribute := range r.sortedAttributes() {
		for _, bucket := range r.Summary[attribute] {
			record := []string{
				attribute,
				bucket.Label,
				strconv.FormatFloat(bucket.Length, 'f', -1, 64),
			}
			if err := cw.Write(record); err != nil {
				return eris.Wrap(err, "report: write csv row")
			}
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: flush csv")
}

// WriteXLSX writes a workbook with one summary sheet and one timeline sheet.
func (r *Report) WriteXLSX(w io.Writer) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}
	addRow(summary, "attribute", "value", "length")
	for _, attribute := range r.sortedAttributes() {
		for _, bucket := range r.Summary[attribute] {
			addRow(summary, attribute, bucket.Label,
				strconv.FormatFloat(bucket.Length, 'f', -1, 64))
		}
	}

	tl, err := f.AddSheet("Timeline")
	if err != nil {
		return eris.Wrap(err, "report: add timeline sheet")
	}
	addRow(tl, "attribute", "chainage", "value", "survey_id", "added_by", "date_surveyed")
	for _, attribute := range r.sortedAttributes() {
		for _, pt := range r.Timeline[attribute] {
			value := ""
			if pt.Value != nil {
				value = *pt.Value
			}
			date := ""
			if pt.DateSurveyed != nil {
				date = pt.DateSurveyed.Format(time.DateOnly)
			}
			addRow(tl, attribute, strconv.Itoa(pt.Chainage), value,
				strconv.FormatInt(pt.SurveyID, 10), pt.AddedBy, date)
		}
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "report: write xlsx")
	}
	return nil
}

func (r *Report) sortedAttributes() []string {
	seen := make(map[string]struct{}, len(r.Summary))
	var names []string
	for name := range r.Summary {
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for name := range r.Timeline {
		if _, ok := seen[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}
