// Package catalog provides the dispensable package catalog for a drug.
package catalog

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Status represents the marketing status of a package
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// PackageInfo describes one dispensable package from the NDC directory
type PackageInfo struct {
	ProductNDC     string     `json:"product_ndc"`
	PackageNDC     string     `json:"package_ndc"`
	Description    string     `json:"description"`
	Size           float64    `json:"size"`
	Status         Status     `json:"status"`
	IsSample       bool       `json:"is_sample"`
	MarketingStart *time.Time `json:"marketing_start,omitempty"`
	MarketingEnd   *time.Time `json:"marketing_end,omitempty"`
}

// IsActive returns true if the package is currently marketed
func (p PackageInfo) IsActive() bool {
	return p.Status == StatusActive
}

// Provider returns the package catalog for a normalized drug
type Provider interface {
	Packages(ctx context.Context, rxcui, name string) ([]PackageInfo, error)
}

// ErrNoPackages indicates the directory has no packages for the drug
var ErrNoPackages = errors.New("no packages found")

var leadingCount = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s+`)

// ParsePackageSize extracts the number of dispense units from a package
// description. Nested descriptions multiply their leading counts:
// "3 BLISTER PACK in 1 CARTON > 10 TABLET in 1 BLISTER PACK" is 30.
// Returns 0 when any segment lacks a leading count.
func ParsePackageSize(description string) float64 {
	if strings.TrimSpace(description) == "" {
		return 0
	}

	size := 1.0
	for _, segment := range strings.Split(description, ">") {
		m := leadingCount.FindStringSubmatch(segment)
		if m == nil {
			return 0
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil || n <= 0 {
			return 0
		}
		size *= n
	}
	return size
}

// StatusAt derives the marketing status of a package at the given instant
func StatusAt(marketingEnd *time.Time, now time.Time) Status {
	if marketingEnd != nil && marketingEnd.Before(now) {
		return StatusInactive
	}
	return StatusActive
}

// WithoutSamples drops sample packages, which cannot be dispensed
func WithoutSamples(pkgs []PackageInfo) []PackageInfo {
	out := make([]PackageInfo, 0, len(pkgs))
	for _, p := range pkgs {
		if !p.IsSample {
			out = append(out, p)
		}
	}
	return out
}
