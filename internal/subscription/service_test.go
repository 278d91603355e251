package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"profitpilot/internal/database"
	"profitpilot/internal/events"
)

// ============================================================================
// MOCK TYPES
// ============================================================================

type memStore struct {
	mu    sync.Mutex
	users map[string]*database.User
	subs  map[string][]*database.Subscription
	seq   int
}

func newMemStore() *memStore {
	return &memStore{
		users: make(map[string]*database.User),
		subs:  make(map[string][]*database.Subscription),
	}
}

func (m *memStore) addUser(id, email, loginID string) *database.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &database.User{ID: id, Email: email, Role: database.RoleUser}
	if loginID != "" {
		l := loginID
		u.LoginID = &l
	}
	m.users[id] = u
	return u
}

func (m *memStore) addSub(userID string, sub database.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	sub.ID = fmt.Sprintf("sub-%d", m.seq)
	sub.UserID = userID
	sub.CreatedAt = time.Unix(int64(m.seq), 0)
	m.subs[userID] = append(m.subs[userID], &sub)
}

func (m *memStore) latestLocked(userID string) *database.Subscription {
	rows := m.subs[userID]
	if len(rows) == 0 {
		return nil
	}
	latest := rows[0]
	for _, r := range rows[1:] {
		if r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	return latest
}

func (m *memStore) GetUserByID(ctx context.Context, userID string) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID], nil
}

func (m *memStore) GetUserByIdentifier(ctx context.Context, identifier string) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.LoginID != nil && *u.LoginID == identifier {
			return u, nil
		}
	}
	for _, u := range m.users {
		if strings.EqualFold(u.Email, identifier) {
			return u, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetLatestSubscription(ctx context.Context, userID string) (*database.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := m.latestLocked(userID)
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) MutateLatestSubscription(ctx context.Context, userID string, fn func(latest *database.Subscription) (*database.Subscription, error)) (*database.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return nil, database.ErrUserNotFound
	}
	var in *database.Subscription
	if latest := m.latestLocked(userID); latest != nil {
		cp := *latest
		in = &cp
	}
	next, err := fn(in)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return in, nil
	}
	next.UserID = userID
	if next.ID == "" {
		m.seq++
		next.ID = fmt.Sprintf("sub-%d", m.seq)
		next.CreatedAt = time.Unix(int64(m.seq), 0)
		stored := *next
		m.subs[userID] = append(m.subs[userID], &stored)
		return next, nil
	}
	for i, r := range m.subs[userID] {
		if r.ID == next.ID {
			stored := *next
			m.subs[userID][i] = &stored
		}
	}
	return next, nil
}

func (m *memStore) DeleteUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, userID)
	delete(m.subs, userID)
	return nil
}

func (m *memStore) ListUsersWithLatestSubscription(ctx context.Context) ([]database.UserWithSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.UserWithSubscription
	for id, u := range m.users {
		row := database.UserWithSubscription{User: *u}
		if latest := m.latestLocked(id); latest != nil {
			cp := *latest
			row.Subscription = &cp
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *memStore) ExpireLapsedSubscriptions(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, rows := range m.subs {
		for _, r := range rows {
			if strings.EqualFold(r.Status, database.SubscriptionStatusActive) && r.CurrentPeriodEnd != nil && r.CurrentPeriodEnd.Before(now) {
				r.Status = database.SubscriptionStatusExpired
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (m *memStore) count(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[userID])
}

type mockCache struct {
	mu      sync.Mutex
	data    map[string]Entitlement
	deletes int
}

func newMockCache() *mockCache {
	return &mockCache{data: make(map[string]Entitlement)}
}

func (c *mockCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return errors.New("miss")
	}
	*dest.(*Entitlement) = v
	return nil
}

func (c *mockCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value.(Entitlement)
	return nil
}

func (c *mockCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	c.deletes++
	return nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *mockPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *mockPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.EventType
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *memStore, *mockCache, *mockPublisher) {
	store := newMemStore()
	c := newMockCache()
	pub := &mockPublisher{}
	svc := NewService(store, c, pub)
	svc.SetClock(func() time.Time { return fixedNow })
	return svc, store, c, pub
}

func timePtr(t time.Time) *time.Time { return &t }

// ============================================================================
// PURE FUNCTIONS
// ============================================================================

func TestIsActive(t *testing.T) {
	tests := []struct {
		name string
		sub  *database.Subscription
		want bool
	}{
		{"nil", nil, false},
		{"lifetime", &database.Subscription{Status: "active"}, true},
		{"upper case status", &database.Subscription{Status: "ACTIVE", CurrentPeriodEnd: timePtr(fixedNow.Add(time.Hour))}, true},
		{"end equals now", &database.Subscription{Status: "active", CurrentPeriodEnd: timePtr(fixedNow)}, true},
		{"ended", &database.Subscription{Status: "active", CurrentPeriodEnd: timePtr(fixedNow.Add(-time.Second))}, false},
		{"canceled", &database.Subscription{Status: "canceled", CurrentPeriodEnd: timePtr(fixedNow.Add(time.Hour))}, false},
		{"revoked lifetime", &database.Subscription{Status: "revoked"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsActive(tt.sub, fixedNow); got != tt.want {
				t.Errorf("IsActive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtensionBase(t *testing.T) {
	future := fixedNow.Add(10 * 24 * time.Hour)
	past := fixedNow.Add(-10 * 24 * time.Hour)

	if got := ExtensionBase(nil, fixedNow); !got.Equal(fixedNow) {
		t.Errorf("nil sub: expected now, got %v", got)
	}
	if got := ExtensionBase(&database.Subscription{CurrentPeriodEnd: &future}, fixedNow); !got.Equal(future) {
		t.Errorf("future end: expected %v, got %v", future, got)
	}
	if got := ExtensionBase(&database.Subscription{CurrentPeriodEnd: &past}, fixedNow); !got.Equal(fixedNow) {
		t.Errorf("past end: expected now, got %v", got)
	}
	if got := ExtensionBase(&database.Subscription{}, fixedNow); !got.Equal(fixedNow) {
		t.Errorf("nil end: expected now, got %v", got)
	}
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		in      string
		want    Plan
		days    int
		wantErr bool
	}{
		{"1w", PlanWeek, 7, false},
		{" 1M ", PlanMonth, 30, false},
		{"1y", PlanYear, 365, false},
		{"Lifetime", PlanLifetime, 0, false},
		{"2w", "", 0, true},
		{"", "", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePlan(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePlan(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownPlan) {
				t.Errorf("ParsePlan(%q) expected ErrUnknownPlan, got %v", tt.in, err)
			}
			continue
		}
		if got != tt.want || got.Days() != tt.days {
			t.Errorf("ParsePlan(%q) = %v (%d days), want %v (%d days)", tt.in, got, got.Days(), tt.want, tt.days)
		}
	}
}

func TestNewEntitlement(t *testing.T) {
	none := NewEntitlement(nil, fixedNow)
	if none.Active || none.Status != "none" {
		t.Errorf("expected inactive none view, got %+v", none)
	}

	life := NewEntitlement(&database.Subscription{Status: "active", Provider: "admin"}, fixedNow)
	if !life.Active || !life.Lifetime || life.DaysRemaining != nil {
		t.Errorf("expected lifetime view, got %+v", life)
	}

	end := fixedNow.Add(36 * time.Hour)
	timed := NewEntitlement(&database.Subscription{Status: "active", CurrentPeriodEnd: &end}, fixedNow)
	if timed.DaysRemaining == nil || *timed.DaysRemaining != 2 {
		t.Errorf("expected 2 days remaining, got %+v", timed.DaysRemaining)
	}
}

// ============================================================================
// SERVICE
// ============================================================================

func TestExtendInsertsWhenNoSubscription(t *testing.T) {
	svc, store, _, pub := newTestService()
	store.addUser("u1", "a@example.com", "alice")

	end, err := svc.ExtendFromCurrentEnd(context.Background(), "u1", 30, Source{Provider: database.ProviderNOWPayments, ExternalID: "inv-1"})
	if err != nil {
		t.Fatalf("ExtendFromCurrentEnd failed: %v", err)
	}
	want := fixedNow.AddDate(0, 0, 30)
	if end == nil || !end.Equal(want) {
		t.Fatalf("expected end %v, got %v", want, end)
	}

	latest, _ := store.GetLatestSubscription(context.Background(), "u1")
	if latest.Provider != database.ProviderNOWPayments || latest.ExternalID == nil || *latest.ExternalID != "inv-1" {
		t.Errorf("expected provider and external id to be stored, got %+v", latest)
	}
	if types := pub.types(); len(types) != 1 || types[0] != events.EventSubscriptionExtended {
		t.Errorf("expected one SUBSCRIPTION_EXTENDED event, got %v", types)
	}
}

func TestExtendFromFutureEndStacks(t *testing.T) {
	svc, store, _, _ := newTestService()
	store.addUser("u1", "a@example.com", "")
	future := fixedNow.AddDate(0, 0, 10)
	store.addSub("u1", database.Subscription{Status: "active", Provider: "stripe", CurrentPeriodEnd: &future})

	end, err := svc.ExtendFromCurrentEnd(context.Background(), "u1", 30, Source{Provider: database.ProviderNOWPayments})
	if err != nil {
		t.Fatalf("ExtendFromCurrentEnd failed: %v", err)
	}
	if want := future.AddDate(0, 0, 30); !end.Equal(want) {
		t.Errorf("expected %v, got %v", want, end)
	}
	if store.count("u1") != 1 {
		t.Errorf("expected the latest row to be updated in place, got %d rows", store.count("u1"))
	}
}

func TestExtendFromLapsedEndStartsAtNow(t *testing.T) {
	svc, store, _, _ := newTestService()
	store.addUser("u1", "a@example.com", "")
	past := fixedNow.AddDate(0, 0, -5)
	store.addSub("u1", database.Subscription{Status: "expired", Provider: "admin", CurrentPeriodEnd: &past})

	end, err := svc.ExtendFromCurrentEnd(context.Background(), "u1", 7, Source{})
	if err != nil {
		t.Fatalf("ExtendFromCurrentEnd failed: %v", err)
	}
	if want := fixedNow.AddDate(0, 0, 7); !end.Equal(want) {
		t.Errorf("expected %v, got %v", want, end)
	}
	latest, _ := store.GetLatestSubscription(context.Background(), "u1")
	if latest.Status != database.SubscriptionStatusActive {
		t.Errorf("expected reactivated row, got %s", latest.Status)
	}
}

func TestExtendLifetimeRowStartsFromNow(t *testing.T) {
	svc, store, _, pub := newTestService()
	store.addUser("u1", "a@example.com", "")
	store.addSub("u1", database.Subscription{Status: "active", Provider: "admin"})

	end, err := svc.ExtendFromCurrentEnd(context.Background(), "u1", 30, Source{Provider: database.ProviderNOWPayments})
	if err != nil {
		t.Fatalf("ExtendFromCurrentEnd failed: %v", err)
	}
	want := fixedNow.AddDate(0, 0, 30)
	if end == nil || !end.Equal(want) {
		t.Fatalf("end = %v, want %v", end, want)
	}
	latest, _ := store.GetLatestSubscription(context.Background(), "u1")
	if latest.CurrentPeriodEnd == nil || !latest.CurrentPeriodEnd.Equal(want) {
		t.Errorf("row end = %v, want %v", latest.CurrentPeriodEnd, want)
	}
	if latest.Provider != database.ProviderNOWPayments {
		t.Errorf("provider = %q", latest.Provider)
	}
	if len(pub.events) == 0 || pub.events[len(pub.events)-1].Data["current_period_end"] != want.Format(time.RFC3339) {
		t.Errorf("events = %v", pub.events)
	}
}

func TestGrantWeekOnLifetimeUser(t *testing.T) {
	svc, store, _, _ := newTestService()
	store.addUser("u1", "a@example.com", "")
	store.addSub("u1", database.Subscription{Status: "active", Provider: "admin"})

	end, err := svc.Grant(context.Background(), "a@example.com", PlanWeek)
	if err != nil {
		t.Fatal(err)
	}
	if want := fixedNow.AddDate(0, 0, 7); end == nil || !end.Equal(want) {
		t.Errorf("end = %v, want %v", end, want)
	}
}

func TestExtendRejectsNonPositiveDays(t *testing.T) {
	svc, store, _, _ := newTestService()
	store.addUser("u1", "a@example.com", "")
	if _, err := svc.ExtendFromCurrentEnd(context.Background(), "u1", 0, Source{}); err != ErrInvalidDays {
		t.Errorf("expected ErrInvalidDays, got %v", err)
	}
}

func TestExtendUnknownUser(t *testing.T) {
	svc, _, _, _ := newTestService()
	if _, err := svc.ExtendFromCurrentEnd(context.Background(), "ghost", 7, Source{}); err != ErrUserNotFound {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestConcurrentExtensionsAreSerialized(t *testing.T) {
	svc, store, _, _ := newTestService()
	store.addUser("u1", "a@example.com", "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ExtendFromCurrentEnd(context.Background(), "u1", 1, Source{}); err != nil {
				t.Errorf("extend failed: %v", err)
			}
		}()
	}
	wg.Wait()

	latest, _ := store.GetLatestSubscription(context.Background(), "u1")
	if want := fixedNow.AddDate(0, 0, 10); !latest.CurrentPeriodEnd.Equal(want) {
		t.Errorf("expected %v after 10 serialized extensions, got %v", want, latest.CurrentPeriodEnd)
	}
	if store.count("u1") != 1 {
		t.Errorf("expected one row, got %d", store.count("u1"))
	}
}

func TestGrantByLoginIDAndEmail(t *testing.T) {
	svc, store, _, pub := newTestService()
	store.addUser("u1", "a@example.com", "alice")

	end, err := svc.Grant(context.Background(), "alice", PlanWeek)
	if err != nil {
		t.Fatalf("Grant by login id failed: %v", err)
	}
	if want := fixedNow.AddDate(0, 0, 7); !end.Equal(want) {
		t.Errorf("expected %v, got %v", want, end)
	}

	end, err = svc.Grant(context.Background(), "A@Example.com", PlanMonth)
	if err != nil {
		t.Fatalf("Grant by email failed: %v", err)
	}
	if want := fixedNow.AddDate(0, 0, 37); !end.Equal(want) {
		t.Errorf("expected stacked end %v, got %v", want, end)
	}

	latest, _ := store.GetLatestSubscription(context.Background(), "u1")
	if latest.Provider != database.ProviderAdmin {
		t.Errorf("expected admin provider, got %s", latest.Provider)
	}

	granted := 0
	for _, typ := range pub.types() {
		if typ == events.EventSubscriptionGranted {
			granted++
		}
	}
	if granted != 2 {
		t.Errorf("expected 2 grant events, got %d", granted)
	}
}

func TestGrantLifetime(t *testing.T) {
	svc, store, _, _ := newTestService()
	store.addUser("u1", "a@example.com", "")
	past := fixedNow.AddDate(0, -1, 0)
	store.addSub("u1", database.Subscription{Status: "canceled", Provider: "stripe", CurrentPeriodEnd: &past})

	end, err := svc.Grant(context.Background(), "a@example.com", PlanLifetime)
	if err != nil {
		t.Fatalf("Grant lifetime failed: %v", err)
	}
	if end != nil {
		t.Errorf("expected nil end for lifetime, got %v", end)
	}

	ent, err := svc.Status(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !ent.Active || !ent.Lifetime || ent.Provider != database.ProviderAdmin {
		t.Errorf("expected active admin lifetime, got %+v", ent)
	}
}

func TestGrantUnknownUser(t *testing.T) {
	svc, _, _, _ := newTestService()
	if _, err := svc.Grant(context.Background(), "nobody", PlanWeek); err != ErrUserNotFound {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	svc, store, _, pub := newTestService()
	store.addUser("u1", "a@example.com", "alice")
	store.addSub("u1", database.Subscription{Status: "active", Provider: "admin"})

	if err := svc.Revoke(context.Background(), "alice"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	ent, _ := svc.Status(context.Background(), "u1")
	if ent.Active || ent.Status != database.SubscriptionStatusRevoked {
		t.Errorf("expected revoked entitlement, got %+v", ent)
	}

	// A later grant starts from now, not from the old end.
	end, err := svc.Grant(context.Background(), "alice", PlanWeek)
	if err != nil {
		t.Fatalf("Grant after revoke failed: %v", err)
	}
	if want := fixedNow.AddDate(0, 0, 7); !end.Equal(want) {
		t.Errorf("expected %v, got %v", want, end)
	}

	found := false
	for _, typ := range pub.types() {
		if typ == events.EventSubscriptionRevoked {
			found = true
		}
	}
	if !found {
		t.Error("expected SUBSCRIPTION_REVOKED event")
	}
}

func TestRevokeWithoutSubscription(t *testing.T) {
	svc, store, _, _ := newTestService()
	store.addUser("u1", "a@example.com", "")
	if err := svc.Revoke(context.Background(), "a@example.com"); err != ErrNoSubscription {
		t.Errorf("expected ErrNoSubscription, got %v", err)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	svc, store, _, _ := newTestService()
	store.addUser("u1", "a@example.com", "")
	store.addSub("u1", database.Subscription{Status: "active"})

	if err := svc.DeleteUser(context.Background(), "a@example.com"); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if u, _ := store.GetUserByID(context.Background(), "u1"); u != nil {
		t.Error("expected user to be deleted")
	}
	if store.count("u1") != 0 {
		t.Error("expected subscriptions to be removed")
	}
	if err := svc.DeleteUser(context.Background(), "a@example.com"); err != ErrUserNotFound {
		t.Errorf("expected ErrUserNotFound on second delete, got %v", err)
	}
}

func TestListActive(t *testing.T) {
	svc, store, _, _ := newTestService()
	future := fixedNow.AddDate(0, 0, 3)
	past := fixedNow.AddDate(0, 0, -3)

	store.addUser("u1", "life@example.com", "life")
	store.addSub("u1", database.Subscription{Status: "active"})
	store.addUser("u2", "timed@example.com", "")
	store.addSub("u2", database.Subscription{Status: "active", CurrentPeriodEnd: &future})
	store.addUser("u3", "lapsed@example.com", "")
	store.addSub("u3", database.Subscription{Status: "active", CurrentPeriodEnd: &past})
	store.addUser("u4", "none@example.com", "")
	// Older active row is shadowed by a newer canceled one.
	store.addUser("u5", "shadow@example.com", "")
	store.addSub("u5", database.Subscription{Status: "active", CurrentPeriodEnd: &future})
	store.addSub("u5", database.Subscription{Status: "canceled", CurrentPeriodEnd: &future})

	active, err := svc.ListActive(context.Background(), fixedNow)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	got := map[string]bool{}
	for _, a := range active {
		got[a.UserID] = true
	}
	if len(got) != 2 || !got["u1"] || !got["u2"] {
		t.Errorf("expected u1 and u2 active, got %v", got)
	}
}

func TestStatusUsesAndInvalidatesCache(t *testing.T) {
	svc, store, c, _ := newTestService()
	store.addUser("u1", "a@example.com", "")

	ent, err := svc.Status(context.Background(), "u1")
	if err != nil || ent.Active {
		t.Fatalf("expected inactive status, got %+v, %v", ent, err)
	}
	if _, ok := c.data["user:u1:entitlement"]; !ok {
		t.Fatal("expected entitlement to be cached")
	}

	if _, err := svc.ExtendFromCurrentEnd(context.Background(), "u1", 7, Source{}); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if _, ok := c.data["user:u1:entitlement"]; ok {
		t.Error("expected cache entry to be invalidated after extension")
	}

	ent, _ = svc.Status(context.Background(), "u1")
	if !ent.Active {
		t.Errorf("expected active status after extension, got %+v", ent)
	}
}

func TestSyncProvider(t *testing.T) {
	svc, store, _, _ := newTestService()
	store.addUser("u1", "a@example.com", "")
	end := fixedNow.AddDate(0, 1, 0)

	err := svc.SyncProvider(context.Background(), ProviderSync{
		UserID:               "u1",
		Status:               "Active",
		CurrentPeriodEnd:     &end,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
	})
	if err != nil {
		t.Fatalf("SyncProvider failed: %v", err)
	}
	latest, _ := store.GetLatestSubscription(context.Background(), "u1")
	if latest.Status != "active" || latest.Provider != database.ProviderStripe {
		t.Errorf("unexpected row %+v", latest)
	}
	if latest.StripeCustomerID == nil || *latest.StripeCustomerID != "cus_1" {
		t.Errorf("expected customer id to be stored")
	}
	if !latest.CurrentPeriodEnd.Equal(end) {
		t.Errorf("expected provider end %v, got %v", end, latest.CurrentPeriodEnd)
	}
}

func TestExpireLapsed(t *testing.T) {
	svc, store, _, pub := newTestService()
	past := fixedNow.Add(-time.Minute)
	store.addUser("u1", "a@example.com", "")
	store.addSub("u1", database.Subscription{Status: "active", CurrentPeriodEnd: &past})
	store.addUser("u2", "b@example.com", "")
	store.addSub("u2", database.Subscription{Status: "active"})

	n, err := svc.ExpireLapsed(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired, got %d, %v", n, err)
	}
	types := pub.types()
	if len(types) != 1 || types[0] != events.EventSubscriptionExpired {
		t.Errorf("expected one SUBSCRIPTION_EXPIRED event, got %v", types)
	}

	// Extension after expiry still counts from max(now, end).
	end, _ := svc.ExtendFromCurrentEnd(context.Background(), "u1", 1, Source{})
	if want := fixedNow.AddDate(0, 0, 1); !end.Equal(want) {
		t.Errorf("expected %v, got %v", want, end)
	}
}

func TestSchedulerSweep(t *testing.T) {
	svc, store, _, _ := newTestService()
	past := fixedNow.Add(-time.Hour)
	store.addUser("u1", "a@example.com", "")
	store.addSub("u1", database.Subscription{Status: "active", CurrentPeriodEnd: &past})

	s := NewScheduler(svc, "@every 1h")
	s.Sweep()

	latest, _ := store.GetLatestSubscription(context.Background(), "u1")
	if latest.Status != database.SubscriptionStatusExpired {
		t.Errorf("expected expired after sweep, got %s", latest.Status)
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	svc, _, _, _ := newTestService()
	s := NewScheduler(svc, "not a cron spec")
	if err := s.Start(); err == nil {
		t.Error("expected error for invalid spec")
		<-s.Stop().Done()
	}
}
