package dataset

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// NumClasses is the number of hemorrhage targets
const NumClasses = 6

// TargetColumns are the label columns, in model output order
var TargetColumns = [NumClasses]string{"any", "epidural", "intraparenchymal", "intraventricular", "subarachnoid", "subdural"}

// IDColumn names the image identifier column
const IDColumn = "Image"

// Origin of a training record
const (
	Primary  = 0
	External = 1
)

// LabelRecord is one row of the primary label CSV
type LabelRecord struct {
	Image            string  `csv:"Image"`
	Any              float32 `csv:"any"`
	Epidural         float32 `csv:"epidural"`
	Intraparenchymal float32 `csv:"intraparenchymal"`
	Intraventricular float32 `csv:"intraventricular"`
	Subarachnoid     float32 `csv:"subarachnoid"`
	Subdural         float32 `csv:"subdural"`
}

// Targets returns the labels in TargetColumns order
func (r LabelRecord) Targets() [NumClasses]float32 {
	return [NumClasses]float32{r.Any, r.Epidural, r.Intraparenchymal, r.Intraventricular, r.Subarachnoid, r.Subdural}
}

// ExternalLabelRecord is one row of the external label CSV. IsDICOM marks
// rows whose image file is a readable slice.
type ExternalLabelRecord struct {
	LabelRecord
	IsDICOM DICOMFlag `csv:"is_dicom"`
}

// DICOMFlag is the is_dicom column. The column may be written as an
// integer, a float (when it has blanks) or a boolean, so 1, 1.0 and true
// in any case mark a valid row and every other value an invalid one.
type DICOMFlag bool

// UnmarshalCSV implements gocsv.TypeUnmarshaller
func (f *DICOMFlag) UnmarshalCSV(s string) error {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "true") {
		*f = true
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	*f = DICOMFlag(err == nil && v == 1)
	return nil
}

// MarshalCSV implements gocsv.TypeMarshaller
func (f DICOMFlag) MarshalCSV() (string, error) {
	if f {
		return "1", nil
	}
	return "0", nil
}

// TrainingRecord is one row of the merged training table
type TrainingRecord struct {
	Image        string
	Targets      [NumClasses]float32
	ExternalFlag int
}

// TrainingTable is the merged, filtered label table. Identifiers are unique.
type TrainingTable struct {
	Records []TrainingRecord
}

// Len returns the number of records
func (t *TrainingTable) Len() int {
	return len(t.Records)
}

// Targets returns the dense N x NumClasses label matrix
func (t *TrainingTable) Targets() [][NumClasses]float32 {
	out := make([][NumClasses]float32, len(t.Records))
	for i, r := range t.Records {
		out[i] = r.Targets
	}
	return out
}

// Subset returns a table holding the first n records, or t itself when n
// is not positive or not smaller than the table.
func (t *TrainingTable) Subset(n int) *TrainingTable {
	if n <= 0 || n >= len(t.Records) {
		return t
	}
	return &TrainingTable{Records: t.Records[:n]}
}

// TableSummary holds per-origin counts and per-class positives
type TableSummary struct {
	Primary   int
	External  int
	Positives [NumClasses]int
}

// Summary counts records per origin and positive labels per class
func (t *TrainingTable) Summary() TableSummary {
	var s TableSummary
	for _, r := range t.Records {
		if r.ExternalFlag == External {
			s.External++
		} else {
			s.Primary++
		}
		for c, v := range r.Targets {
			if v >= 0.5 {
				s.Positives[c]++
			}
		}
	}
	return s
}

// String returns a one-line description of the summary
func (s TableSummary) String() string {
	parts := make([]string, NumClasses)
	for c, name := range TargetColumns {
		parts[c] = fmt.Sprintf("%s=%d", name, s.Positives[c])
	}
	return fmt.Sprintf("%d primary + %d external records, positives: %s",
		s.Primary, s.External, strings.Join(parts, " "))
}

// LoadLabelTable reads the primary label CSV
func LoadLabelTable(path string) ([]LabelRecord, error) {
	var rows []LabelRecord
	if err := readCSV(path, &rows, append([]string{IDColumn}, TargetColumns[:]...)); err != nil {
		return nil, err
	}
	return rows, nil
}

// LoadExternalLabelTable reads the external label CSV
func LoadExternalLabelTable(path string) ([]ExternalLabelRecord, error) {
	var rows []ExternalLabelRecord
	required := append([]string{IDColumn}, TargetColumns[:]...)
	if err := readCSV(path, &rows, append(required, "is_dicom")); err != nil {
		return nil, err
	}
	return rows, nil
}

// readCSV checks the header for required columns, then decodes every row
// into out with gocsv.
func readCSV(path string, out interface{}, required []string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read label table %s", path)
	}

	header, err := csv.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return errors.Wrapf(err, "read header of %s", path)
	}
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[strings.TrimSpace(h)] = true
	}
	for _, col := range required {
		if !present[col] {
			return errors.Errorf("%s: missing column %q", path, col)
		}
	}

	if err := gocsv.UnmarshalBytes(data, out); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

// AssembleTrainingTable merges the primary and external tables. Records
// named badID are dropped from both, external rows are kept only when
// IsDICOM is set, primary rows come first and both keep file order.
func AssembleTrainingTable(primary []LabelRecord, external []ExternalLabelRecord, badID string) (*TrainingTable, error) {
	table := &TrainingTable{Records: make([]TrainingRecord, 0, len(primary)+len(external))}
	seen := make(map[string]int, cap(table.Records))

	add := func(r LabelRecord, flag int) error {
		if prev, dup := seen[r.Image]; dup {
			return errors.Errorf("duplicate image id %q (records %d and %d)", r.Image, prev, len(table.Records))
		}
		seen[r.Image] = len(table.Records)
		table.Records = append(table.Records, TrainingRecord{Image: r.Image, Targets: r.Targets(), ExternalFlag: flag})
		return nil
	}

	for _, r := range primary {
		if r.Image == badID {
			continue
		}
		if err := add(r, Primary); err != nil {
			return nil, err
		}
	}
	for _, r := range external {
		if !r.IsDICOM || r.Image == badID {
			continue
		}
		if err := add(r.LabelRecord, External); err != nil {
			return nil, err
		}
	}
	return table, nil
}
