// Package model holds the shared data types for the food-atlas data core.
package model

import "regexp"

var keyPattern = regexp.MustCompile(`^\d{5}$`)

// ValidKey reports whether s is a well-formed 5-digit ZCTA key.
func ValidKey(s string) bool {
	return keyPattern.MatchString(s)
}

// KeyRecord is one entry in the canonical key universe. Records are
// never mutated field-by-field; a resync replaces the whole set.
type KeyRecord struct {
	Key         string `json:"key"`
	CountyName  string `json:"county_name"`
	DisplayName string `json:"display_name"`
	Canonical   bool   `json:"canonical"`
}
