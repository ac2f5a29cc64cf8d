package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog/log"
)

const (
	idxIncidents = "dispatch_incidents"
	idxUnits     = "dispatch_units"
)

// Meili implements searching and indexing via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	closed  atomic.Bool

	mu        sync.Mutex
	onRecover func()
}

// NewMeili creates a Meilisearch client and configures indexes. An unreachable
// server is not an error: the client reports unhealthy and keeps probing.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("search: meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxIncidents,
			filterable: []string{"room", "status", "priority"},
			searchable: []string{"id", "callType", "location", "notes"},
		},
		{
			uid:        idxUnits,
			filterable: []string{"room", "status", "type"},
			searchable: []string{"name", "type"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "key",
		}); err != nil {
			log.Debug().Err(err).Str("index", idx.uid).Msg("search: create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Warn().Err(err).Str("index", idx.uid).Msg("search: update filterable attributes")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Warn().Err(err).Str("index", idx.uid).Msg("search: update searchable attributes")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Info().Msg("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
				m.recovered()
			}
		}
	}
}

// OnRecover registers fn to run each time the server becomes healthy again.
func (m *Meili) OnRecover(fn func()) {
	m.mu.Lock()
	m.onRecover = fn
	m.mu.Unlock()
}

func (m *Meili) recovered() {
	m.mu.Lock()
	fn := m.onRecover
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	if m.closed.CompareAndSwap(false, true) {
		close(m.done)
	}
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the incident and unit indexes of one room and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = defaultLimit
	}

	var queries []*meili.SearchRequest
	for _, target := range []struct {
		uid  string
		rtyp ResultType
	}{
		{idxIncidents, ResultIncident},
		{idxUnits, ResultUnit},
	} {
		if q.FilterType != "" && q.FilterType != target.rtyp {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              target.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			Filter:                fmt.Sprintf("room = %q", q.Room),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		})
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxIncidents:
		return ResultIncident
	case idxUnits:
		return ResultUnit
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.Status = decodeString(hit, "status")

	switch rtyp {
	case ResultIncident:
		r.Title = firstNonBlank(decodeFormattedString(hit, "callType"), decodeString(hit, "callType"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "location"), decodeString(hit, "location"))
		r.Priority = decodeString(hit, "priority")
	case ResultUnit:
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
		r.Snippet = decodeString(hit, "type")
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(formatted[key], &value); err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// Apply pushes one batch of changes to the indexes. A failed batch marks the
// server unhealthy so the next recovery resynchronizes.
func (m *Meili) Apply(changes Changes) error {
	if err := m.apply(changes); err != nil {
		m.healthy.Store(false)
		return err
	}
	return nil
}

func (m *Meili) apply(changes Changes) error {
	if len(changes.Incidents) > 0 {
		if _, err := m.client.Index(idxIncidents).AddDocuments(changes.Incidents, nil); err != nil {
			return fmt.Errorf("index incidents: %w", err)
		}
	}
	if len(changes.Units) > 0 {
		if _, err := m.client.Index(idxUnits).AddDocuments(changes.Units, nil); err != nil {
			return fmt.Errorf("index units: %w", err)
		}
	}
	for _, key := range changes.RemovedIncidents {
		if _, err := m.client.Index(idxIncidents).DeleteDocument(key, nil); err != nil {
			return fmt.Errorf("delete incident %s: %w", key, err)
		}
	}
	for _, key := range changes.RemovedUnits {
		if _, err := m.client.Index(idxUnits).DeleteDocument(key, nil); err != nil {
			return fmt.Errorf("delete unit %s: %w", key, err)
		}
	}
	return nil
}
