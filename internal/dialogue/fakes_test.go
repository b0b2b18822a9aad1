package dialogue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/session"
)

type fakeCatalog struct {
	mu         sync.Mutex
	pharmacies []domain.Pharmacy
	visits     []domain.Visit
	feedback   []domain.Feedback
	searchErr  error
}

func (f *fakeCatalog) SearchPharmacies(_ context.Context, term string, limit int) ([]domain.Pharmacy, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []domain.Pharmacy
	term = strings.ToLower(term)
	for _, p := range f.pharmacies {
		if strings.Contains(strings.ToLower(p.Name), term) || strings.Contains(strings.ToLower(p.Address), term) {
			out = append(out, p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeCatalog) GetPharmacy(_ context.Context, id string) (domain.Pharmacy, error) {
	for _, p := range f.pharmacies {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Pharmacy{}, fmt.Errorf("pharmacy %s: %w", id, domain.ErrNotFound)
}

func (f *fakeCatalog) RecentVisits(_ context.Context, pharmacyID, delegateID string, limit int) ([]domain.Visit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Visit
	for _, v := range f.visits {
		if v.PharmacyID == pharmacyID && v.DelegateID == delegateID {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].VisitDate.After(out[j].VisitDate) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeCatalog) GetVisit(_ context.Context, id string) (domain.Visit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.visits {
		if v.ID == id {
			return v, nil
		}
	}
	return domain.Visit{}, fmt.Errorf("visit %s: %w", id, domain.ErrNotFound)
}

func (f *fakeCatalog) CreateVisit(_ context.Context, v domain.Visit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits = append(f.visits, v)
	return nil
}

func (f *fakeCatalog) CreateFeedback(_ context.Context, fb domain.Feedback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, fb)
	return nil
}

type fakeSessions struct {
	mu      sync.Mutex
	current map[string]session.Session
	events  []session.Event
	loadErr error
	saveErr error
	// onSave runs before the version check, standing in for a concurrent
	// writer.
	onSave func(current map[string]session.Session)
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{current: map[string]session.Session{}}
}

func (f *fakeSessions) LoadSession(_ context.Context, conversationID string) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return session.Session{}, f.loadErr
	}
	if s, ok := f.current[conversationID]; ok {
		return s, nil
	}
	return session.New(conversationID), nil
}

func (f *fakeSessions) SaveSession(_ context.Context, s session.Session, ev session.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if f.onSave != nil {
		f.onSave(f.current)
	}
	if f.current[s.ConversationID].Version != ev.Version-1 {
		return domain.ErrConflict
	}
	f.current[s.ConversationID] = s
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSessions) set(s session.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[s.ConversationID] = s
}

func (f *fakeSessions) get(conversationID string) session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[conversationID]
}
