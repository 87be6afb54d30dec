package fact

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadCSV streams delimited fact rows into Records. The input's first
// line must be a header; columns are matched by normalized name
// (lowercased, spaces to underscores) so exports from different
// platforms line up without a mapping file. Unknown columns are
// ignored, absent metric columns read as zero.
//
// Malformed rows are reported through onErr with the 1-based physical
// line the row starts on (quoted fields may span lines, so this is not
// the record index) and skipped; only unreadable input aborts the
// stream.
func ReadCSV(ctx context.Context, src io.Reader, onErr func(line int, err error)) ([]Record, error) {
	cr := csv.NewReader(src)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	colIdx := make(map[string]int, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		h = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
		colIdx[h] = i
	}

	var out []Record
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			// Parse errors carry the physical line and only spoil one
			// record; anything else means the input itself is broken.
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return nil, fmt.Errorf("csv read: %w", err)
			}
			if onErr != nil {
				onErr(pe.Line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		line, _ := cr.FieldPos(0)
		r, err := recordFromRow(colIdx, rec)
		if err != nil {
			if onErr != nil {
				onErr(line, err)
			}
			continue
		}
		out = append(out, r)
	}
}

func recordFromRow(colIdx map[string]int, rec []string) (Record, error) {
	field := func(col string) string {
		i, ok := colIdx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	intField := func(col string) (int64, error) {
		s := field(col)
		if s == "" {
			return 0, nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("column %s: %w", col, err)
		}
		return v, nil
	}

	floatField := func(col string) (float64, error) {
		s := field(col)
		if s == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("column %s: %w", col, err)
		}
		return v, nil
	}

	r := Record{
		Key: Key{
			AccountID:       field("account_id"),
			PlatformID:      field("platform_id"),
			CampaignID:      field("campaign_id"),
			AdsetID:         field("adset_id"),
			AdvertisementID: field("advertisement_id"),
			PlacementID:     field("placement_id"),
			ProcessingDate:  field("processing_date"),
			AgeGroup:        field("age_group"),
			Gender:          field("gender"),
			CountryCode:     field("country_code"),
			Region:          field("region"),
			City:            field("city"),
		},
	}

	var err error
	if r.Impressions, err = intField("impressions"); err != nil {
		return Record{}, err
	}
	if r.Clicks, err = intField("clicks"); err != nil {
		return Record{}, err
	}
	if r.Conversions, err = intField("conversions"); err != nil {
		return Record{}, err
	}
	if r.SpendMicros, err = intField("spend_micros"); err != nil {
		return Record{}, err
	}
	if r.CTR, err = floatField("ctr"); err != nil {
		return Record{}, err
	}
	if r.CPC, err = floatField("cpc"); err != nil {
		return Record{}, err
	}
	return r, nil
}
