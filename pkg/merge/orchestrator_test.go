package merge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/roamly/accountd/pkg/domain"
)

// --- fakes ---

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*domain.Account
}

func newFakeAccounts(accounts ...*domain.Account) *fakeAccounts {
	f := &fakeAccounts{accounts: make(map[uuid.UUID]*domain.Account)}
	for _, a := range accounts {
		f.accounts[a.ID] = a
	}
	return f
}

func (f *fakeAccounts) Create(_ context.Context, a *domain.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[a.ID] = a
	return nil
}

func (f *fakeAccounts) GetByID(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	copy := *a
	return &copy, nil
}

func (f *fakeAccounts) GetByEmail(_ context.Context, email string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Email == email {
			copy := *a
			return &copy, nil
		}
	}
	return nil, domain.ErrAccountNotFound
}

func (f *fakeAccounts) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	_, err := f.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (f *fakeAccounts) disable(id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	now := time.Now()
	a.Active = false
	if a.DisabledAt == nil {
		a.DisabledAt = &now
	}
	return nil
}

type fakeIdentityStore struct {
	mu         sync.Mutex
	identities map[uuid.UUID]*domain.Identity
}

func newFakeIdentityStore(identities ...*domain.Identity) *fakeIdentityStore {
	f := &fakeIdentityStore{identities: make(map[uuid.UUID]*domain.Identity)}
	for _, i := range identities {
		f.identities[i.ID] = i
	}
	return f
}

func (f *fakeIdentityStore) byAccount(accountID uuid.UUID) []domain.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Identity
	for _, i := range f.identities {
		if i.AccountID == accountID {
			out = append(out, *i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].LinkedAt.Before(out[b].LinkedAt) })
	return out
}

func (f *fakeIdentityStore) reassign(from, to uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, i := range f.identities {
		if i.AccountID == from {
			i.AccountID = to
			i.IsPrimary = false
		}
	}
}

// fakeLedger mimics the Postgres ledger: fingerprint uniqueness, conditional
// transitions, and a Finalize that also reassigns identities and disables
// the source account.
type fakeLedger struct {
	mu         sync.Mutex
	records    map[string]*domain.MergeRecord
	accounts   *fakeAccounts
	identities *fakeIdentityStore
}

func newFakeLedger(accounts *fakeAccounts, identities *fakeIdentityStore) *fakeLedger {
	return &fakeLedger{
		records:    make(map[string]*domain.MergeRecord),
		accounts:   accounts,
		identities: identities,
	}
}

func (f *fakeLedger) InsertPending(_ context.Context, record *domain.MergeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[record.Fingerprint]; ok {
		return domain.ErrMergeInProgress
	}
	copy := *record
	copy.Summary = record.Summary.Clone()
	f.records[record.Fingerprint] = &copy
	return nil
}

func (f *fakeLedger) GetByFingerprint(_ context.Context, fingerprint string) (*domain.MergeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[fingerprint]
	if !ok {
		return nil, domain.ErrMergeRecordNotFound
	}
	copy := *record
	copy.Summary = record.Summary.Clone()
	return &copy, nil
}

func (f *fakeLedger) TakeOverPending(_ context.Context, fingerprint string, staleAfter time.Duration) (*domain.MergeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[fingerprint]
	if !ok || record.Status != domain.MergePending || time.Since(record.CreatedAt) < staleAfter {
		return nil, domain.ErrMergeInProgress
	}
	record.CreatedAt = time.Now()
	copy := *record
	copy.Summary = record.Summary.Clone()
	return &copy, nil
}

func (f *fakeLedger) ReleasePending(_ context.Context, fingerprint string, staleAfter time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[fingerprint]
	if !ok || record.Status != domain.MergePending {
		return domain.ErrMergeRecordNotFound
	}
	record.CreatedAt = time.Now().Add(-staleAfter)
	return nil
}

func (f *fakeLedger) UpdateSummary(_ context.Context, fingerprint string, summary domain.MergeSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[fingerprint]
	if !ok || record.Status != domain.MergePending {
		return domain.ErrMergeRecordNotFound
	}
	record.Summary = summary.Clone()
	return nil
}

func (f *fakeLedger) Finalize(ctx context.Context, fingerprint string, target, source uuid.UUID, summary domain.MergeSummary) (*domain.MergeRecord, error) {
	// Held for the whole finalize, like the source row lock serializing
	// concurrent finalizes that share a source.
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[fingerprint]
	if !ok || record.Status != domain.MergePending {
		return nil, domain.ErrMergeRecordNotFound
	}

	account, err := f.accounts.GetByID(ctx, source)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, domain.ErrSourceAlreadyDisabled
	}

	f.identities.reassign(source, target)
	if err := f.accounts.disable(source); err != nil {
		return nil, err
	}

	now := time.Now()
	record.Status = domain.MergeCommitted
	record.Summary = summary.Clone()
	record.CompletedAt = &now
	copy := *record
	copy.Summary = record.Summary.Clone()
	return &copy, nil
}

func (f *fakeLedger) MarkFailed(_ context.Context, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[fingerprint]
	if !ok || record.Status != domain.MergePending {
		return nil
	}
	now := time.Now()
	record.Status = domain.MergeFailed
	record.CompletedAt = &now
	return nil
}

func (f *fakeLedger) ListByAccount(_ context.Context, accountID uuid.UUID) ([]domain.MergeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.MergeRecord
	for _, record := range f.records {
		if record.TargetID == accountID || record.SourceID == accountID {
			copy := *record
			copy.Summary = record.Summary.Clone()
			out = append(out, copy)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (f *fakeLedger) HasCommittedSource(_ context.Context, accountID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.records {
		if record.SourceID == accountID && record.Status == domain.MergeCommitted {
			return true, nil
		}
	}
	return false, nil
}

// memSet is an in-memory set-union aggregate.
type memSet struct {
	mu    sync.Mutex
	name  string
	items map[uuid.UUID]map[string]bool
	calls int
}

func newMemSet(name string) *memSet {
	return &memSet{name: name, items: make(map[uuid.UUID]map[string]bool)}
}

func (m *memSet) add(accountID uuid.UUID, keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[accountID] == nil {
		m.items[accountID] = make(map[string]bool)
	}
	for _, k := range keys {
		m.items[accountID][k] = true
	}
}

func (m *memSet) Name() string { return m.name }

func (m *memSet) CountOwnedBy(_ context.Context, accountID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items[accountID]), nil
}

func (m *memSet) MergeInto(_ context.Context, target, source uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.items[target] == nil {
		m.items[target] = make(map[string]bool)
	}
	moved := 0
	for k := range m.items[source] {
		if !m.items[target][k] {
			m.items[target][k] = true
			moved++
		}
	}
	delete(m.items, source)
	return moved, nil
}

// memSum is an in-memory summation aggregate.
type memSum struct {
	mu     sync.Mutex
	name   string
	values map[uuid.UUID]int
}

func newMemSum(name string) *memSum {
	return &memSum{name: name, values: make(map[uuid.UUID]int)}
}

func (m *memSum) set(accountID uuid.UUID, value int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[accountID] = value
}

func (m *memSum) Name() string { return m.name }

func (m *memSum) CountOwnedBy(_ context.Context, accountID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[accountID], nil
}

func (m *memSum) MergeInto(_ context.Context, target, source uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value := m.values[source]
	m.values[target] += value
	m.values[source] = 0
	return value, nil
}

// failOnce wraps an aggregate to fail its first MergeInto call.
type failOnce struct {
	Aggregate
	mu     sync.Mutex
	failed bool
}

func (f *failOnce) MergeInto(ctx context.Context, target, source uuid.UUID) (int, error) {
	f.mu.Lock()
	if !f.failed {
		f.failed = true
		f.mu.Unlock()
		return 0, errors.New("storage unavailable")
	}
	f.mu.Unlock()
	return f.Aggregate.MergeInto(ctx, target, source)
}

// holdAggregate wraps an aggregate to park a MergeInto call aimed at one
// specific target until released, signalling when the held call arrives.
type holdAggregate struct {
	Aggregate
	holdTarget uuid.UUID
	entered    chan struct{}
	release    chan struct{}
}

func (h *holdAggregate) MergeInto(ctx context.Context, target, source uuid.UUID) (int, error) {
	if target == h.holdTarget {
		close(h.entered)
		<-h.release
	}
	return h.Aggregate.MergeInto(ctx, target, source)
}

type staticAuthenticator struct {
	id  uuid.UUID
	err error
}

func (s staticAuthenticator) Authenticate(context.Context, domain.Credential) (uuid.UUID, error) {
	return s.id, s.err
}

type fakeSessions struct {
	mu      sync.Mutex
	revoked []uuid.UUID
}

func (f *fakeSessions) RevokeAllSessions(_ context.Context, accountID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, accountID)
	return nil
}

// --- fixture ---

type fixture struct {
	target      *domain.Account
	source      *domain.Account
	accounts    *fakeAccounts
	identities  *fakeIdentityStore
	ledger      *fakeLedger
	collections *memSet
	experience  *memSum
	sessions    *fakeSessions
	registry    *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Now()

	target := &domain.Account{ID: uuid.New(), Email: "a@example.com", Active: true, CreatedAt: now}
	source := &domain.Account{ID: uuid.New(), Email: "b@example.com", Active: true, CreatedAt: now}

	targetEmail := target.Email
	sourceEmail := source.Email
	identities := newFakeIdentityStore(
		&domain.Identity{ID: uuid.New(), AccountID: target.ID, Provider: domain.ProviderApple,
			ExternalID: "apple-sub-a", Email: &targetEmail, IsPrimary: true, LinkedAt: now},
		&domain.Identity{ID: uuid.New(), AccountID: source.ID, Provider: domain.ProviderGoogle,
			ExternalID: "google-sub-b", Email: &sourceEmail, IsPrimary: true, LinkedAt: now},
	)

	accounts := newFakeAccounts(target, source)

	f := &fixture{
		target:      target,
		source:      source,
		accounts:    accounts,
		identities:  identities,
		ledger:      newFakeLedger(accounts, identities),
		collections: newMemSet("collections"),
		experience:  newMemSum("experience"),
		sessions:    &fakeSessions{},
	}
	f.registry = NewRegistry(f.collections, f.experience)

	// Scenario data: target already collected "paris"; source holds three
	// items (one overlapping) and 50 experience points.
	f.collections.add(target.ID, "paris")
	f.collections.add(source.ID, "paris", "rome", "tokyo")
	f.experience.set(source.ID, 50)

	return f
}

func (f *fixture) orchestrator(cfg Config) *Orchestrator {
	return NewOrchestrator(cfg, f.accounts, f.ledger, f.registry,
		staticAuthenticator{id: f.source.ID}, f.sessions)
}

// --- tests ---

func TestRequestMerge_ConsolidatesSourceIntoTarget(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Config{})

	record, err := o.RequestMerge(context.Background(), f.target.ID, domain.Credential{Provider: domain.ProviderGoogle})
	if err != nil {
		t.Fatalf("RequestMerge() error = %v", err)
	}

	if record.Status != domain.MergeCommitted {
		t.Errorf("Status = %q, want %q", record.Status, domain.MergeCommitted)
	}
	if record.CompletedAt == nil {
		t.Error("CompletedAt should be set on a committed record")
	}
	if got := record.Summary["collections"]; got != 2 {
		t.Errorf("Summary[collections] = %d, want 2 (one duplicate excluded)", got)
	}
	if got := record.Summary["experience"]; got != 50 {
		t.Errorf("Summary[experience] = %d, want 50", got)
	}

	// Target gained the source's data.
	if count, _ := f.collections.CountOwnedBy(context.Background(), f.target.ID); count != 3 {
		t.Errorf("target collections = %d, want 3", count)
	}
	if value, _ := f.experience.CountOwnedBy(context.Background(), f.target.ID); value != 50 {
		t.Errorf("target experience = %d, want 50", value)
	}

	// Source is disabled; its session revoked.
	source, _ := f.accounts.GetByID(context.Background(), f.source.ID)
	if source.Active {
		t.Error("source account should be disabled after commit")
	}
	if len(f.sessions.revoked) != 1 || f.sessions.revoked[0] != f.source.ID {
		t.Errorf("revoked sessions = %v, want [%s]", f.sessions.revoked, f.source.ID)
	}

	// The source's identity now belongs to the target, non-primary; the
	// target keeps exactly one primary.
	var primaries, googles int
	for _, identity := range f.identities.byAccount(f.target.ID) {
		if identity.IsPrimary {
			primaries++
		}
		if identity.Provider == domain.ProviderGoogle {
			googles++
			if identity.IsPrimary {
				t.Error("reassigned identity must not be primary")
			}
		}
	}
	if primaries != 1 {
		t.Errorf("target primary identities = %d, want 1", primaries)
	}
	if googles != 1 {
		t.Errorf("target google identities = %d, want 1", googles)
	}
	if len(f.identities.byAccount(f.source.ID)) != 0 {
		t.Error("source should have no identities left")
	}

	// History is visible from the source side.
	history, err := o.History(context.Background(), f.source.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].SourceID != f.source.ID {
		t.Errorf("source history = %+v, want the committed record as source", history)
	}
}

func TestRequestMerge_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Config{})

	first, err := o.RequestMerge(context.Background(), f.target.ID, domain.Credential{})
	if err != nil {
		t.Fatalf("first RequestMerge() error = %v", err)
	}
	callsAfterFirst := f.collections.calls

	second, err := o.RequestMerge(context.Background(), f.target.ID, domain.Credential{})
	if err != nil {
		t.Fatalf("replay RequestMerge() error = %v", err)
	}

	if second.ID != first.ID {
		t.Error("replay should resolve to the existing record")
	}
	if second.Summary["collections"] != first.Summary["collections"] {
		t.Errorf("replay summary = %v, want %v", second.Summary, first.Summary)
	}
	if f.collections.calls != callsAfterFirst {
		t.Errorf("aggregate MergeInto calls = %d after replay, want %d (not re-run)",
			f.collections.calls, callsAfterFirst)
	}
}

func TestRequestMerge_SelfMerge(t *testing.T) {
	f := newFixture(t)
	o := NewOrchestrator(Config{}, f.accounts, f.ledger, f.registry,
		staticAuthenticator{id: f.target.ID}, f.sessions)

	_, err := o.RequestMerge(context.Background(), f.target.ID, domain.Credential{})
	if !errors.Is(err, domain.ErrSelfMerge) {
		t.Errorf("error = %v, want ErrSelfMerge", err)
	}
}

func TestRequestMerge_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	o := NewOrchestrator(Config{}, f.accounts, f.ledger, f.registry,
		staticAuthenticator{err: domain.ErrUnauthenticated}, f.sessions)

	_, err := o.RequestMerge(context.Background(), f.target.ID, domain.Credential{})
	if !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("error = %v, want ErrUnauthenticated", err)
	}
}

func TestRequestMerge_SourceAlreadyDisabled(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Config{})

	if err := f.accounts.disable(f.source.ID); err != nil {
		t.Fatal(err)
	}

	_, err := o.RequestMerge(context.Background(), f.target.ID, domain.Credential{})
	if !errors.Is(err, domain.ErrSourceAlreadyDisabled) {
		t.Errorf("error = %v, want ErrSourceAlreadyDisabled", err)
	}
}

func TestRequestMerge_SourcePreviouslyConsolidated(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Config{})

	// The ledger shows the source was already merged away in another pair,
	// even though the active flag has drifted.
	other := uuid.New()
	now := time.Now()
	f.ledger.records["other"] = &domain.MergeRecord{
		ID: uuid.New(), Fingerprint: "other", TargetID: other, SourceID: f.source.ID,
		Status: domain.MergeCommitted, Summary: domain.MergeSummary{}, CreatedAt: now, CompletedAt: &now,
	}

	_, err := o.RequestMerge(context.Background(), f.target.ID, domain.Credential{})
	if !errors.Is(err, domain.ErrSourceAlreadyDisabled) {
		t.Errorf("error = %v, want ErrSourceAlreadyDisabled", err)
	}
}

func TestRequestMerge_InProgress(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Config{StaleAfter: time.Minute})

	fingerprint := domain.MergeFingerprint(f.target.ID, f.source.ID)
	err := f.ledger.InsertPending(context.Background(), &domain.MergeRecord{
		ID: uuid.New(), Fingerprint: fingerprint, TargetID: f.target.ID, SourceID: f.source.ID,
		Status: domain.MergePending, Summary: domain.MergeSummary{}, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = o.RequestMerge(context.Background(), f.target.ID, domain.Credential{})
	if !errors.Is(err, domain.ErrMergeInProgress) {
		t.Errorf("error = %v, want ErrMergeInProgress", err)
	}
}

func TestRequestMerge_StalePendingTakenOver(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Config{StaleAfter: time.Minute})

	fingerprint := domain.MergeFingerprint(f.target.ID, f.source.ID)
	err := f.ledger.InsertPending(context.Background(), &domain.MergeRecord{
		ID: uuid.New(), Fingerprint: fingerprint, TargetID: f.target.ID, SourceID: f.source.ID,
		Status: domain.MergePending, Summary: domain.MergeSummary{},
		CreatedAt: time.Now().Add(-2 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	record, err := o.RequestMerge(context.Background(), f.target.ID, domain.Credential{})
	if err != nil {
		t.Fatalf("RequestMerge() error = %v, want stale takeover to proceed", err)
	}
	if record.Status != domain.MergeCommitted {
		t.Errorf("Status = %q, want committed", record.Status)
	}
}

func TestRequestMerge_AggregateFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.registry = NewRegistry(f.collections, &failOnce{Aggregate: f.experience})
	o := f.orchestrator(Config{})

	_, err := o.RequestMerge(context.Background(), f.target.ID, domain.Credential{})
	var aggErr *domain.AggregateMergeError
	if !errors.As(err, &aggErr) {
		t.Fatalf("error = %v, want *domain.AggregateMergeError", err)
	}
	if aggErr.Aggregate != "experience" {
		t.Errorf("failed aggregate = %q, want experience", aggErr.Aggregate)
	}

	// The record stays pending with the partial summary persisted.
	fingerprint := domain.MergeFingerprint(f.target.ID, f.source.ID)
	pending, err := f.ledger.GetByFingerprint(context.Background(), fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if pending.Status != domain.MergePending {
		t.Errorf("Status after failure = %q, want pending", pending.Status)
	}
	if pending.Summary["collections"] != 2 {
		t.Errorf("partial Summary[collections] = %d, want 2", pending.Summary["collections"])
	}

	// Source must remain active and keep its identities until commit.
	source, _ := f.accounts.GetByID(context.Background(), f.source.ID)
	if !source.Active {
		t.Error("source must stay active while the merge is pending")
	}

	// Retrying the identical request completes without double counting.
	record, err := o.RequestMerge(context.Background(), f.target.ID, domain.Credential{})
	if err != nil {
		t.Fatalf("retry RequestMerge() error = %v", err)
	}
	if record.Status != domain.MergeCommitted {
		t.Errorf("retry Status = %q, want committed", record.Status)
	}
	if record.Summary["collections"] != 2 {
		t.Errorf("retry Summary[collections] = %d, want 2 (no double count)", record.Summary["collections"])
	}
	if record.Summary["experience"] != 50 {
		t.Errorf("retry Summary[experience] = %d, want 50", record.Summary["experience"])
	}
	if count, _ := f.collections.CountOwnedBy(context.Background(), f.target.ID); count != 3 {
		t.Errorf("target collections = %d, want 3", count)
	}
}

func TestRequestMerge_ConcurrentSamePair(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Config{})

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	records := make([]*domain.MergeRecord, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i], results[i] = o.RequestMerge(context.Background(), f.target.ID, domain.Credential{})
		}(i)
	}
	wg.Wait()

	committed := 0
	for i, err := range results {
		switch {
		case err == nil:
			committed++
			if records[i].Status != domain.MergeCommitted {
				t.Errorf("successful attempt %d returned status %q", i, records[i].Status)
			}
		case errors.Is(err, domain.ErrMergeInProgress),
			errors.Is(err, domain.ErrSourceAlreadyDisabled):
			// Losers of the race observe one of the serialization outcomes.
		default:
			t.Errorf("attempt %d: unexpected error %v", i, err)
		}
	}
	if committed == 0 {
		t.Fatal("no attempt committed")
	}

	// Total merged counts equal a single merge's counts.
	if count, _ := f.collections.CountOwnedBy(context.Background(), f.target.ID); count != 3 {
		t.Errorf("target collections = %d, want 3 (no double counting)", count)
	}
	if value, _ := f.experience.CountOwnedBy(context.Background(), f.target.ID); value != 50 {
		t.Errorf("target experience = %d, want 50 (no double counting)", value)
	}
}

func TestRequestMerge_ConcurrentMergesSharingSource(t *testing.T) {
	f := newFixture(t)
	other := &domain.Account{ID: uuid.New(), Email: "c@example.com", Active: true, CreatedAt: time.Now()}
	if err := f.accounts.Create(context.Background(), other); err != nil {
		t.Fatal(err)
	}

	hold := &holdAggregate{
		Aggregate:  f.collections,
		holdTarget: other.ID,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	f.registry = NewRegistry(hold, f.experience)
	o := f.orchestrator(Config{})

	// The merge into the other account claims its own ledger record, then
	// stalls inside its first aggregate.
	heldErr := make(chan error, 1)
	go func() {
		_, err := o.RequestMerge(context.Background(), other.ID, domain.Credential{})
		heldErr <- err
	}()
	<-hold.entered

	// While it is stalled, the merge into the original target runs to
	// completion and disables the shared source.
	record, err := o.RequestMerge(context.Background(), f.target.ID, domain.Credential{})
	if err != nil {
		t.Fatalf("RequestMerge() error = %v", err)
	}
	if record.Status != domain.MergeCommitted {
		t.Fatalf("Status = %q, want committed", record.Status)
	}

	close(hold.release)
	if err := <-heldErr; !errors.Is(err, domain.ErrSourceAlreadyDisabled) {
		t.Fatalf("held merge error = %v, want ErrSourceAlreadyDisabled", err)
	}

	// The source appears as a committed source exactly once; the losing
	// record is terminal.
	history, err := o.History(context.Background(), f.source.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	committed := 0
	for _, rec := range history {
		switch rec.Status {
		case domain.MergeCommitted:
			committed++
			if rec.TargetID != f.target.ID {
				t.Errorf("committed record target = %s, want %s", rec.TargetID, f.target.ID)
			}
		case domain.MergeFailed:
			if rec.TargetID != other.ID {
				t.Errorf("failed record target = %s, want %s", rec.TargetID, other.ID)
			}
		default:
			t.Errorf("record %s left in status %q", rec.ID, rec.Status)
		}
	}
	if committed != 1 {
		t.Errorf("committed records with this source = %d, want 1", committed)
	}

	// The winner got the data; the loser got none of it.
	if count, _ := f.collections.CountOwnedBy(context.Background(), f.target.ID); count != 3 {
		t.Errorf("target collections = %d, want 3", count)
	}
	if count, _ := f.collections.CountOwnedBy(context.Background(), other.ID); count != 0 {
		t.Errorf("other target collections = %d, want 0", count)
	}
	if value, _ := f.experience.CountOwnedBy(context.Background(), other.ID); value != 0 {
		t.Errorf("other target experience = %d, want 0", value)
	}
	source, _ := f.accounts.GetByID(context.Background(), f.source.ID)
	if source.Active {
		t.Error("source account should be disabled")
	}
}

func TestHistory_MostRecentFirst(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Config{})

	now := time.Now()
	older := &domain.MergeRecord{
		ID: uuid.New(), Fingerprint: "fp-older", TargetID: f.target.ID, SourceID: uuid.New(),
		Status: domain.MergeCommitted, Summary: domain.MergeSummary{}, CreatedAt: now.Add(-time.Hour),
	}
	newer := &domain.MergeRecord{
		ID: uuid.New(), Fingerprint: "fp-newer", TargetID: f.target.ID, SourceID: uuid.New(),
		Status: domain.MergeCommitted, Summary: domain.MergeSummary{}, CreatedAt: now,
	}
	f.ledger.records[older.Fingerprint] = older
	f.ledger.records[newer.Fingerprint] = newer

	history, err := o.History(context.Background(), f.target.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].ID != newer.ID || history[1].ID != older.ID {
		t.Error("history should be ordered most recent first")
	}
}
