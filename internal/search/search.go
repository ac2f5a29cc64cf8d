// Package search finds incidents and units by free text. Meilisearch serves
// queries when it is reachable; otherwise the live snapshot is scanned.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultIncident ResultType = "incident"
	ResultUnit     ResultType = "unit"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	Status   string     `json:"status"`
	Priority string     `json:"priority,omitempty"`
}

// Query describes a search request.
type Query struct {
	Room       string
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// IncidentRecord is the data we index for an incident. Log messages are
// flattened into Notes so a query can match what was reported on scene.
type IncidentRecord struct {
	Key      string `json:"key"`
	ID       string `json:"id"`
	Room     string `json:"room"`
	CallType string `json:"callType"`
	Location string `json:"location"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
	Notes    string `json:"notes"`
}

// UnitRecord is the data we index for a unit.
type UnitRecord struct {
	Key    string `json:"key"`
	ID     string `json:"id"`
	Room   string `json:"room"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

const defaultLimit = 20
