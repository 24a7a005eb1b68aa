package directory

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxUsers = "congregate_users"

// Meili is a typo-tolerant user index used for "did you mean" suggestions.
type Meili struct {
	client  meili.ServiceManager
	healthy   atomic.Bool
	recovered atomic.Pointer[func()]
	done      chan struct{}
	logger    *zap.Logger
}

// NewMeili connects to Meilisearch and configures the users index. An
// unreachable server is tolerated; a background loop keeps checking it.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		logger: logger.Named("meili"),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxUsers, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.String("index", idxUsers), zap.Error(err))
	}
	searchable := []string{"fullName", "firstName", "lastName"}
	if _, err := m.client.Index(idxUsers).UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.Error(err))
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
			m.observe(err)
		}
	}
}

// OnRecover registers fn to run, on its own goroutine, each time the server
// comes back after being unreachable. The index may be empty or stale then.
func (m *Meili) OnRecover(fn func()) {
	m.recovered.Store(&fn)
}

func (m *Meili) observe(err error) {
	wasHealthy := m.healthy.Swap(err == nil)
	if err != nil || wasHealthy {
		return
	}
	m.logger.Info("meilisearch recovered, reconfiguring index")
	m.configureIndex()
	if fn := m.recovered.Load(); fn != nil && *fn != nil {
		go (*fn)()
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Suggest(fragment string, limit int) ([]Candidate, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID: idxUsers,
			Query:    fragment,
			Limit:    int64(limit),
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	out := make([]Candidate, 0)
	for _, result := range resp.Results {
		for _, hit := range result.Hits {
			out = append(out, hitToCandidate(hit))
		}
	}
	return out, nil
}

func (m *Meili) IndexUsers(users []Candidate) error {
	if len(users) == 0 {
		return nil
	}
	_, err := m.client.Index(idxUsers).AddDocuments(users, nil)
	return err
}

func hitToCandidate(hit meili.Hit) Candidate {
	return Candidate{
		ID:        decodeString(hit, "id"),
		FirstName: decodeString(hit, "firstName"),
		LastName:  decodeString(hit, "lastName"),
		FullName:  decodeString(hit, "fullName"),
	}
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
