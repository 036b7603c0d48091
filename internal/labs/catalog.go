package labs

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultCountryStatus applies to labs that do not carry their own lists.
var DefaultCountryStatus = CountryStatus{
	Prohibited: []string{"KP", "SY", "IR"},
}

type catalogFile struct {
	Labs []struct {
		Lab
		CountryStatus *CountryStatus `json:"ip_country_status"`
	} `json:"labs"`
}

// CatalogFromEnv loads the lab catalog from the JSON file named by
// LABS_CATALOG_PATH. Entries without an ip_country_status block get the
// default lists.
func CatalogFromEnv() (*Catalog, error) {
	path := os.Getenv("LABS_CATALOG_PATH")
	if path == "" {
		return NewCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lab catalog: %w", err)
	}
	var parsed catalogFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse lab catalog %s: %w", path, err)
	}
	entries := make([]Lab, 0, len(parsed.Labs))
	for _, e := range parsed.Labs {
		lab := e.Lab
		if e.CountryStatus != nil {
			lab.CountryStatus = *e.CountryStatus
		} else {
			lab.CountryStatus = DefaultCountryStatus
		}
		entries = append(entries, lab)
	}
	return NewCatalog(entries...), nil
}
