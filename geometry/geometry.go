// Package geometry is a catalog of simulated device profiles: how many
// sectors a device exposes and how many 256-byte blocks each sector holds.
// Both counts are reported by the device itself at init time; the profiles
// here exist so simulators and tooling agree on realistic shapes.
package geometry

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/gocarina/gocsv"
)

// Profile describes the geometry of one simulated device.
type Profile struct {
	Slug    string `csv:"slug"`
	Name    string `csv:"name"`
	Sectors uint16 `csv:"sectors"`
	Blocks  uint16 `csv:"blocks"`
}

// TotalBlocks gives the number of 256-byte blocks the device holds.
func (p Profile) TotalBlocks() uint {
	return uint(p.Sectors) * uint(p.Blocks)
}

// CapacityBytes gives the device's payload capacity in bytes.
func (p Profile) CapacityBytes() int64 {
	return int64(p.TotalBlocks()) * 256
}

//go:embed device-profiles.csv
var profilesRawCSV string
var profiles map[string]Profile

// Get looks up a predefined profile by its slug.
func Get(slug string) (Profile, error) {
	profile, ok := profiles[slug]
	if ok {
		return profile, nil
	}
	return Profile{}, fmt.Errorf("no predefined device profile exists with slug %q", slug)
}

// Slugs returns every catalog slug in sorted order.
func Slugs() []string {
	slugs := make([]string, 0, len(profiles))
	for slug := range profiles {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// Default is the device mix hosted when no profiles are requested: a small
// array with mixed geometries so chains have a reason to span devices.
func Default() []Profile {
	mix := []string{"pocket-10x64", "standard-32x64", "wide-16x256"}
	result := make([]Profile, len(mix))
	for i, slug := range mix {
		result[i], _ = Get(slug)
	}
	return result
}

func init() {
	var rows []*Profile
	err := gocsv.UnmarshalString(profilesRawCSV, &rows)
	if err != nil {
		panic(fmt.Errorf("failed to decode device profile catalog: %w", err))
	}

	profiles = make(map[string]Profile, len(rows))
	for i, row := range rows {
		_, exists := profiles[row.Slug]
		if exists {
			panic(fmt.Errorf(
				"duplicate definition for device profile %q found on row %d",
				row.Slug, i+1))
		}
		profiles[row.Slug] = *row
	}
}
