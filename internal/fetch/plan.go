// Package fetch plans the archive downloads of a harvest window and resolves
// each day from the recent daily source or, failing that, from the monthly
// historical archive.
package fetch

import (
	"fmt"
	"strings"

	"github.com/couchcryptid/radolan-harvester/internal/domain"
)

// Policy decides what a cycle does with a day that neither source can serve.
type Policy string

const (
	// PolicySkip logs the failure and continues; the day stays zero-filled.
	PolicySkip Policy = "skip"
	// PolicyFailFast aborts the cycle without advancing the checkpoint.
	PolicyFailFast Policy = "fail-fast"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicySkip, PolicyFailFast:
		return p, nil
	case "":
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("unknown fetch failure policy %q", s)
	}
}

// Plan returns one unit per calendar day in [w.Start, w.End), in order.
func Plan(w domain.Window) []domain.DownloadUnit {
	days := w.Days()
	units := make([]domain.DownloadUnit, len(days))
	for i, d := range days {
		units[i] = domain.DownloadUnit{Day: d}
	}
	return units
}

// historicalName is the path of a month's archive below the historical base
// URL, e.g. "2024/RW-202404.tar".
func historicalName(u domain.DownloadUnit) string {
	return u.Day.Format("2006") + "/" + domain.MonthlyArchiveName(u.Day)
}
