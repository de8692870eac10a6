package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RetentionPolicy is how many snapshots to keep per age tier:
// hourly (<24h), daily (<7d), weekly (<30d) and monthly (<365d).
// Anything older than a year is always removed.
type RetentionPolicy struct {
	Hourly  int `yaml:"hourly" json:"hourly"`
	Daily   int `yaml:"daily" json:"daily"`
	Weekly  int `yaml:"weekly" json:"weekly"`
	Monthly int `yaml:"monthly" json:"monthly"`
}

// DefaultRetention keeps a day of hourly snapshots, a week of dailies, a
// month of weeklies and a year of monthlies.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

func (p RetentionPolicy) withDefaults() RetentionPolicy {
	d := DefaultRetention()
	if p.Hourly <= 0 {
		p.Hourly = d.Hourly
	}
	if p.Daily <= 0 {
		p.Daily = d.Daily
	}
	if p.Weekly <= 0 {
		p.Weekly = d.Weekly
	}
	if p.Monthly <= 0 {
		p.Monthly = d.Monthly
	}
	return p
}

// list returns the .db files in dir, newest first by modification time.
func list(dir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read %s: %w", dir, err)
	}

	snaps := []Snapshot{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, Snapshot{
			Path:      filepath.Join(dir, entry.Name()),
			CreatedAt: info.ModTime(),
			Size:      info.Size(),
		})
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// prune deletes the snapshots the policy does not keep.
func prune(dir string, policy RetentionPolicy, now time.Time) (int, error) {
	snaps, err := list(dir)
	if err != nil {
		return 0, err
	}

	var hourly, daily, weekly, monthly, expired []Snapshot
	for _, snap := range snaps {
		age := now.Sub(snap.CreatedAt)
		switch {
		case age < 24*time.Hour:
			hourly = append(hourly, snap)
		case age < 7*24*time.Hour:
			daily = append(daily, snap)
		case age < 30*24*time.Hour:
			weekly = append(weekly, snap)
		case age < 365*24*time.Hour:
			monthly = append(monthly, snap)
		default:
			expired = append(expired, snap)
		}
	}

	remove := expired
	remove = append(remove, overflow(hourly, policy.Hourly)...)
	remove = append(remove, overflow(daily, policy.Daily)...)
	remove = append(remove, overflow(weekly, policy.Weekly)...)
	remove = append(remove, overflow(monthly, policy.Monthly)...)

	var errs []error
	removed := 0
	for _, snap := range remove {
		if err := os.Remove(snap.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func overflow(tier []Snapshot, keep int) []Snapshot {
	if len(tier) <= keep {
		return nil
	}
	return tier[keep:]
}
