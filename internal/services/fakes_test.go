package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/penguinhealth/chartflow/internal/models"
	"github.com/penguinhealth/chartflow/internal/ocr"
	"github.com/penguinhealth/chartflow/internal/state"
)

// In-memory fakes for the collaborator interfaces in deps.go.

type fakeConfigStore struct {
	orgs     map[string]*models.Organization
	configs  map[string]*models.ChartConfig
	rules    map[string][]models.Rule
	mappings map[string]map[string]string
	passages map[string][]models.Passage

	configErr error
}

func (s *fakeConfigStore) GetOrganization(_ context.Context, orgID string) (*models.Organization, error) {
	org, ok := s.orgs[orgID]
	if !ok {
		return nil, fmt.Errorf("organization %s not found", orgID)
	}
	return org, nil
}

func (s *fakeConfigStore) GetChartConfig(_ context.Context, orgID string) (*models.ChartConfig, error) {
	if s.configErr != nil {
		return nil, s.configErr
	}
	cfg, ok := s.configs[orgID]
	if !ok {
		return nil, fmt.Errorf("chart config for %s not found", orgID)
	}
	out := *cfg
	return &out, nil
}

func (s *fakeConfigStore) ListEnabledRules(_ context.Context, orgID string) ([]models.Rule, error) {
	var enabled []models.Rule
	for _, r := range s.rules[orgID] {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled, nil
}

func (s *fakeConfigStore) GetFieldMappings(_ context.Context, orgID string) (map[string]string, error) {
	if m, ok := s.mappings[orgID]; ok {
		return m, nil
	}
	return map[string]string{}, nil
}

func (s *fakeConfigStore) ListPassages(_ context.Context, orgID, _ string) ([]models.Passage, error) {
	return s.passages[orgID], nil
}

type fakeTicketStore struct {
	mu      sync.Mutex
	tickets map[string]*models.JobTicket
	putErr  error
}

func newFakeTicketStore() *fakeTicketStore {
	return &fakeTicketStore{tickets: make(map[string]*models.JobTicket)}
}

func (s *fakeTicketStore) Put(_ context.Context, ticket *models.JobTicket) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *ticket
	s.tickets[ticket.JobID] = &t
	return nil
}

func (s *fakeTicketStore) Get(_ context.Context, jobID string) (*models.JobTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[jobID]
	if !ok {
		return nil, state.ErrTicketNotFound
	}
	out := *t
	return &out, nil
}

func (s *fakeTicketStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickets, jobID)
	return nil
}

func (s *fakeTicketStore) SourceRefs(_ context.Context, orgID string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make(map[string]bool)
	for _, t := range s.tickets {
		if t.OrganizationID == orgID {
			refs[t.SourceRef] = true
		}
	}
	return refs, nil
}

type fakeRunStore struct {
	mu   sync.Mutex
	runs []*models.ValidationRun
}

func (s *fakeRunStore) SaveRun(_ context.Context, run *models.ValidationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *run
	s.runs = append(s.runs, &r)
	return nil
}

type fakeBlobStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{buckets: make(map[string]map[string][]byte)}
}

func (s *fakeBlobStore) put(bucket, object string, content []byte) {
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[string][]byte)
	}
	s.buckets[bucket][object] = content
}

func (s *fakeBlobStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.buckets[bucket] {
		if strings.HasPrefix(name, prefix) && name != prefix {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fakeBlobStore) Read(_ context.Context, bucket, object string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.buckets[bucket][object]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, object)
	}
	return content, nil
}

func (s *fakeBlobStore) Write(_ context.Context, bucket, object string, content []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(bucket, object, content)
	return nil
}

// Create mirrors the conditional GCS write: an existing object is left
// untouched and no error is reported.
func (s *fakeBlobStore) Create(_ context.Context, bucket, object string, content []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.buckets[bucket][object]; exists {
		return nil
	}
	s.put(bucket, object, content)
	return nil
}

func (s *fakeBlobStore) Archive(_ context.Context, bucket, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.buckets[bucket][src]
	if !ok {
		return fmt.Errorf("object %s/%s not found", bucket, src)
	}
	s.put(bucket, dst, content)
	delete(s.buckets[bucket], src)
	return nil
}

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (s *fakeStarter) StartAnalysis(_ context.Context, _, object string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, object)
	return fmt.Sprintf("job-%d", len(s.started)), nil
}

type fakeFetcher struct {
	results map[string]*ocr.Result
	err     error
}

func (f *fakeFetcher) FetchResult(_ context.Context, jobID string) (*ocr.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	result, ok := f.results[jobID]
	if !ok {
		return nil, fmt.Errorf("no result for job %s", jobID)
	}
	return result, nil
}

type fakeModel struct {
	mu    sync.Mutex
	calls int
	fn    func(model, system, prompt string) (string, error)
}

func (m *fakeModel) Generate(_ context.Context, model, system, prompt string, _ bool) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.fn(model, system, prompt)
}

type fakeWorkflow struct {
	mu        sync.Mutex
	triggered []map[string]any
}

func (w *fakeWorkflow) Trigger(_ context.Context, argument map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.triggered = append(w.triggered, argument)
	return nil
}
