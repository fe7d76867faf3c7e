package contact

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrNoPhoneColumn = errors.New("csv: missing phone column")

// ReadCSV parses recipients from a CSV export with a header row.
//
// Recognized columns: name, phone (or number/mobile/address), company, email.
// Every other column becomes an attribute keyed by its lower-cased header.
// Rows without a phone are skipped and reported in the returned count.
func ReadCSV(r io.Reader) ([]Recipient, int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("csv header: %w", err)
	}

	cols := make([]string, len(header))
	phoneCol := -1
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		switch key {
		case "number", "mobile", "address", "phone_number":
			key = "phone"
		}
		cols[i] = key
		if key == "phone" && phoneCol < 0 {
			phoneCol = i
		}
	}
	if phoneCol < 0 {
		return nil, 0, ErrNoPhoneColumn
	}

	var (
		out     []Recipient
		skipped int
		line    = 1
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, 0, fmt.Errorf("csv line %d: %w", line, err)
		}
		var r Recipient
		for i, v := range rec {
			if i >= len(cols) {
				break
			}
			v = strings.TrimSpace(v)
			switch cols[i] {
			case "name":
				r.Name = v
			case "phone":
				r.Phone = v
			case "company":
				r.Company = v
			case "email":
				r.Email = v
			case "":
			default:
				if r.Attributes == nil {
					r.Attributes = map[string]string{}
				}
				r.Attributes[cols[i]] = v
			}
		}
		if r.Address() == "" {
			skipped++
			continue
		}
		out = append(out, r)
	}
	return out, skipped, nil
}
