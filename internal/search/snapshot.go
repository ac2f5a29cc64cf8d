package search

import (
	"sort"
	"strings"

	"dispatchsync/internal/dispatch"
)

// SearchSnapshot matches q against the live document. Every whitespace
// separated term must appear, case-insensitively, in one of the entity's
// searchable fields. Incidents rank by priority, then id.
func SearchSnapshot(snapshot dispatch.Snapshot, q Query) ([]Result, int) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0
	}

	var results []Result
	if q.FilterType == "" || q.FilterType == ResultIncident {
		incidents := make([]dispatch.Incident, 0, len(snapshot.Incidents))
		for _, incident := range snapshot.Incidents {
			if matchAll(terms, incident.ID, incident.CallType, incident.Location, string(incident.Priority), logText(incident)) {
				incidents = append(incidents, incident)
			}
		}
		sort.SliceStable(incidents, func(i, j int) bool {
			if incidents[i].Priority.Rank() != incidents[j].Priority.Rank() {
				return incidents[i].Priority.Rank() > incidents[j].Priority.Rank()
			}
			return incidents[i].ID < incidents[j].ID
		})
		for _, incident := range incidents {
			results = append(results, Result{
				Type:     ResultIncident,
				ID:       incident.ID,
				Title:    incident.CallType,
				Snippet:  incident.Location,
				Status:   string(incident.Status),
				Priority: string(incident.Priority),
			})
		}
	}

	if q.FilterType == "" || q.FilterType == ResultUnit {
		for _, unit := range snapshot.Units {
			if matchAll(terms, unit.Name, string(unit.Type), string(unit.Status)) {
				results = append(results, Result{
					Type:    ResultUnit,
					ID:      unit.ID,
					Title:   unit.Name,
					Snippet: string(unit.Type),
					Status:  string(unit.Status),
				})
			}
		}
	}

	total := len(results)
	return page(results, q.Offset, q.Limit), total
}

func page(results []Result, offset, limit int) []Result {
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(results) {
		return nil
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end]
}

func matchAll(terms []string, fields ...string) bool {
	haystack := strings.ToLower(strings.Join(fields, " "))
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func logText(incident dispatch.Incident) string {
	var b strings.Builder
	for _, entry := range incident.Logs {
		b.WriteString(entry.Message)
		b.WriteByte(' ')
	}
	return b.String()
}
