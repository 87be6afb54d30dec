package fact

import (
	"fmt"
	"strings"
	"time"
)

// Key is the 12-component composite natural key of one daily fact row.
//
// Component order is part of the storage contract: it must match the order
// of KeyColumns() and the UNIQUE constraint on the target table. The key is
// always carried as this explicit multi-value type; it is never collapsed
// into a single "id" column.
//
// ProcessingDate is an ISO calendar date ("2006-01-02"). Keeping it as a
// string makes Key comparable with == and usable as a map key without the
// time.Time equality pitfalls (monotonic clock, location).
type Key struct {
	AccountID       string
	PlatformID      string
	CampaignID      string
	AdsetID         string
	AdvertisementID string
	PlacementID     string
	ProcessingDate  string
	AgeGroup        string
	Gender          string
	CountryCode     string
	Region          string
	City            string
}

// keyColumns is the bit-exact column order of the composite key.
// It must match the UNIQUE constraint created by EnsureFactTable.
var keyColumns = []string{
	"account_id",
	"platform_id",
	"campaign_id",
	"adset_id",
	"advertisement_id",
	"placement_id",
	"processing_date",
	"age_group",
	"gender",
	"country_code",
	"region",
	"city",
}

// KeyColumns returns the ordered key column list. The returned slice is a
// copy; callers may append to it freely.
func KeyColumns() []string {
	return append([]string(nil), keyColumns...)
}

// components returns the key values in column order.
func (k Key) components() []string {
	return []string{
		k.AccountID,
		k.PlatformID,
		k.CampaignID,
		k.AdsetID,
		k.AdvertisementID,
		k.PlacementID,
		k.ProcessingDate,
		k.AgeGroup,
		k.Gender,
		k.CountryCode,
		k.Region,
		k.City,
	}
}

// MissingComponents returns the column names of all empty key components,
// in key order. A valid key returns nil.
//
// Every component is mandatory: an empty component makes the record invalid
// and it must be rejected before it reaches any loader.
func (k Key) MissingComponents() []string {
	var missing []string
	vals := k.components()
	for i, v := range vals {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, keyColumns[i])
		}
	}
	return missing
}

// Validate checks that every key component is present and that
// ProcessingDate parses as an ISO calendar date.
func (k Key) Validate() error {
	if missing := k.MissingComponents(); len(missing) > 0 {
		return fmt.Errorf("key missing components: %s", strings.Join(missing, ", "))
	}
	if _, err := time.Parse("2006-01-02", k.ProcessingDate); err != nil {
		return fmt.Errorf("key processing_date %q: want YYYY-MM-DD", k.ProcessingDate)
	}
	return nil
}

// String renders the key for logs, in column order.
func (k Key) String() string {
	return strings.Join(k.components(), "/")
}
