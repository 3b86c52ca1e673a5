package tracked

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ErrInvalidExportRecord is returned for a malformed export line.
var ErrInvalidExportRecord = errors.New("invalid export record")

// WriteCSV writes records as id,screen_name,target_age_seconds lines. The
// target age column is empty for accounts using the default.
func WriteCSV(w io.Writer, records []ExportRecord) error {
	writer := csv.NewWriter(w)

	for _, record := range records {
		targetAge := ""
		if record.TargetAge > 0 {
			targetAge = strconv.FormatInt(int64(record.TargetAge/time.Second), 10)
		}

		if err := writer.Write([]string{strconv.FormatUint(record.ID, 10), record.ScreenName, targetAge}); err != nil {
			return err
		}
	}

	writer.Flush()

	return writer.Error()
}

// ReadCSV parses lines written by WriteCSV. The target age column is optional.
func ReadCSV(r io.Reader) ([]ExportRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var records []ExportRecord

	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidExportRecord, err)
		}

		line, _ := reader.FieldPos(0)

		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("%w: line %d has %d fields", ErrInvalidExportRecord, line, len(fields))
		}

		id, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: bad id %q", ErrInvalidExportRecord, line, fields[0])
		}

		record := ExportRecord{ID: id, ScreenName: fields[1]}

		if len(fields) == 3 && fields[2] != "" {
			seconds, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil || seconds <= 0 {
				return nil, fmt.Errorf("%w: line %d: bad target age %q", ErrInvalidExportRecord, line, fields[2])
			}

			record.TargetAge = time.Duration(seconds) * time.Second
		}

		records = append(records, record)
	}
}
