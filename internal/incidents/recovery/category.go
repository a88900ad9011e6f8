// Package recovery defines the per-category recovery strategies the
// incident coordinator sequences.
package recovery

import (
	"errors"
	"fmt"
	"strings"
)

// Category selects the recovery strategy for an incident
type Category string

const (
	CategoryToken   Category = "token"
	CategoryBridge  Category = "bridge"
	CategoryDEX     Category = "dex"
	CategoryLending Category = "lending"
	CategoryOracle  Category = "oracle"
	CategoryOther   Category = "other"
)

// Categories lists every category in display order
var Categories = []Category{
	CategoryToken,
	CategoryBridge,
	CategoryDEX,
	CategoryLending,
	CategoryOracle,
	CategoryOther,
}

// ErrUnknownCategory is returned for an unrecognised category
var ErrUnknownCategory = errors.New("unknown incident category")

// ParseCategory converts a string to a Category
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}
