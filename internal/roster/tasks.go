package roster

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultTeams are the franchise codes used in roster URLs.
var DefaultTeams = []string{
	"crd", "atl", "rav", "buf", "car", "chi", "cin", "cle",
	"dal", "den", "det", "gnb", "htx", "clt", "jax", "kan",
	"rai", "sdg", "ram", "mia", "min", "nwe", "nor", "nyg",
	"nyj", "phi", "pit", "sfo", "sea", "tam", "oti", "was",
}

// TaskSpace enumerates every team×season pair in (team, year) order.
// Duplicate or blank team codes are dropped.
func TaskSpace(teams []string, firstYear, lastYear int) []CoarseTaskID {
	seen := make(map[string]struct{}, len(teams))
	codes := make([]string, 0, len(teams))
	for _, team := range teams {
		team = strings.ToLower(strings.TrimSpace(team))
		if team == "" {
			continue
		}
		if _, dup := seen[team]; dup {
			continue
		}
		seen[team] = struct{}{}
		codes = append(codes, team)
	}
	sort.Strings(codes)

	if lastYear < firstYear {
		return nil
	}
	tasks := make([]CoarseTaskID, 0, len(codes)*(lastYear-firstYear+1))
	for _, team := range codes {
		for year := firstYear; year <= lastYear; year++ {
			tasks = append(tasks, CoarseTaskID{Team: team, Year: year})
		}
	}
	return tasks
}

// RosterURL builds the roster page URL for a task.
func RosterURL(baseURL string, task CoarseTaskID) string {
	return fmt.Sprintf("%s/teams/%s/%d_roster.htm", strings.TrimRight(baseURL, "/"), task.Team, task.Year)
}

// ProfileURL builds the profile URL for a player identifier. Absolute links are
// returned as-is.
func ProfileURL(baseURL string, id FineTaskID) string {
	link := string(id)
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		return link
	}
	if !strings.HasPrefix(link, "/") {
		link = "/" + link
	}
	return strings.TrimRight(baseURL, "/") + link
}
