package contact

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// MemoryStore is an in-process Repository, MappingStore and TicketStore that
// enforces the same unique constraints as the Postgres schema. Reads return
// copies so callers never share rows.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	contacts map[int64]*Contact
	mappings map[mappingKey]*LidMapping
	tickets  []memTicket
	nowFunc  func() time.Time
}

type mappingKey struct {
	companyID int64
	lid       string
}

type memTicket struct {
	companyID  int64
	whatsappID int64
	contactID  int64
	open       bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts: make(map[int64]*Contact),
		mappings: make(map[mappingKey]*LidMapping),
		nowFunc:  time.Now,
	}
}

// Get fetches a contact by ID.
func (s *MemoryStore) Get(_ context.Context, companyID, id int64) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok || c.CompanyID != companyID {
		return nil, nil
	}
	return clone(c), nil
}

// FindByCanonical matches canonical_number or number, preferring canonical.
func (s *MemoryStore) FindByCanonical(_ context.Context, companyID int64, canonical string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.first(companyID, func(c *Contact) bool { return !c.IsGroup && Value(c.CanonicalNumber) == canonical }); c != nil {
		return c, nil
	}
	return s.first(companyID, func(c *Contact) bool { return !c.IsGroup && c.Number == canonical }), nil
}

// FindByLID matches lid_jid.
func (s *MemoryStore) FindByLID(_ context.Context, companyID int64, lid string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.first(companyID, func(c *Contact) bool { return Value(c.LidJID) == lid }), nil
}

// FindByRemoteJID matches remote_jid.
func (s *MemoryStore) FindByRemoteJID(_ context.Context, companyID int64, jid string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.first(companyID, func(c *Contact) bool { return Value(c.RemoteJID) == jid }), nil
}

// FindByNumber matches any of the given number forms.
func (s *MemoryStore) FindByNumber(_ context.Context, companyID int64, numbers ...string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.first(companyID, func(c *Contact) bool {
		for _, n := range numbers {
			if c.Number == n {
				return true
			}
		}
		return false
	}), nil
}

// FindPending matches a contact still holding raw LID digits.
func (s *MemoryStore) FindPending(_ context.Context, companyID int64, lidDigits string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.first(companyID, func(c *Contact) bool {
		return !c.IsGroup && c.CanonicalNumber == nil && c.Number == lidDigits
	}), nil
}

// FindByLastDigits matches resolved contacts whose number ends in suffix.
func (s *MemoryStore) FindByLastDigits(_ context.Context, companyID int64, suffix string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.first(companyID, func(c *Contact) bool {
		return !c.IsGroup && c.CanonicalNumber != nil && strings.HasSuffix(c.Number, suffix)
	}), nil
}

// FindByName returns contacts whose name equals name, ignoring case.
func (s *MemoryStore) FindByName(_ context.Context, companyID int64, name string, limit int) ([]Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := NameKey(name)
	if key == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	var out []Contact
	for _, c := range s.sorted(companyID) {
		if !c.IsGroup && NameKey(c.Name) == key {
			out = append(out, *clone(c))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Create inserts c and sets its ID.
func (s *MemoryStore) Create(_ context.Context, c *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(c, 0); err != nil {
		return err
	}
	s.nextID++
	now := s.nowFunc()
	c.ID = s.nextID
	c.CreatedAt = now
	c.UpdatedAt = now
	s.contacts[c.ID] = clone(c)
	return nil
}

// SetLID sets lid_jid on a contact.
func (s *MemoryStore) SetLID(_ context.Context, companyID, id int64, lid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok || c.CompanyID != companyID {
		return nil
	}
	probe := *c
	probe.LidJID = Ptr(lid)
	if err := s.checkUnique(&probe, id); err != nil {
		return err
	}
	c.LidJID = Ptr(lid)
	c.UpdatedAt = s.nowFunc()
	return nil
}

// SetRemoteJID sets remote_jid on a contact.
func (s *MemoryStore) SetRemoteJID(_ context.Context, companyID, id int64, jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok || c.CompanyID != companyID {
		return nil
	}
	probe := *c
	probe.RemoteJID = Ptr(jid)
	if err := s.checkUnique(&probe, id); err != nil {
		return err
	}
	c.RemoteJID = Ptr(jid)
	c.UpdatedAt = s.nowFunc()
	return nil
}

// Reconcile rewrites the identifiers of a Pending contact.
func (s *MemoryStore) Reconcile(_ context.Context, rc *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[rc.ID]
	if !ok || c.CompanyID != rc.CompanyID || c.CanonicalNumber != nil {
		return eris.Wrapf(ErrConflict, "contact: reconcile %d: no longer pending", rc.ID)
	}
	probe := *c
	probe.Number, probe.CanonicalNumber, probe.LidJID, probe.RemoteJID = rc.Number, rc.CanonicalNumber, rc.LidJID, rc.RemoteJID
	if err := s.checkUnique(&probe, c.ID); err != nil {
		return err
	}
	now := s.nowFunc()
	probe.ReconciledAt = &now
	probe.UpdatedAt = now
	s.contacts[c.ID] = clone(&probe)
	rc.ReconciledAt = &now
	rc.UpdatedAt = now
	return nil
}

// FindMapping fetches the mapping for a LID.
func (s *MemoryStore) FindMapping(_ context.Context, companyID int64, lid string) (*LidMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[mappingKey{companyID, lid}]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

// UpsertMapping writes m unless the stored row supersedes it.
func (s *MemoryStore) UpsertMapping(_ context.Context, m *LidMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertMapping(*m)
	return nil
}

// UpsertMappings writes every mapping under the same rule.
func (s *MemoryStore) UpsertMappings(_ context.Context, ms []LidMapping) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range ms {
		if s.upsertMapping(m) {
			n++
		}
	}
	return n, nil
}

// Mappings returns all stored mappings for a company.
func (s *MemoryStore) Mappings(companyID int64) []LidMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LidMapping
	for k, m := range s.mappings {
		if k.companyID == companyID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LID < out[j].LID })
	return out
}

// Contacts returns all contacts for a company ordered by ID.
func (s *MemoryStore) Contacts(companyID int64) []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Contact
	for _, c := range s.sorted(companyID) {
		out = append(out, *clone(c))
	}
	return out
}

// OpenTicket records an open ticket for SoleOpenTicketContact.
func (s *MemoryStore) OpenTicket(companyID, whatsappID, contactID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets = append(s.tickets, memTicket{companyID: companyID, whatsappID: whatsappID, contactID: contactID, open: true})
}

// SoleOpenTicketContact returns the contact of the only open ticket on a
// connection.
func (s *MemoryStore) SoleOpenTicketContact(_ context.Context, companyID, whatsappID int64) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Contact
	for _, t := range s.tickets {
		if !t.open || t.companyID != companyID || t.whatsappID != whatsappID {
			continue
		}
		c, ok := s.contacts[t.contactID]
		if !ok || c.IsGroup {
			continue
		}
		if found != nil {
			return nil, nil
		}
		found = clone(c)
	}
	return found, nil
}

func (s *MemoryStore) upsertMapping(m LidMapping) bool {
	key := mappingKey{m.CompanyID, m.LID}
	existing := s.mappings[key]
	if existing != nil && !m.Supersedes(existing) {
		return false
	}
	now := s.nowFunc()
	if existing == nil {
		m.ID = int64(len(s.mappings) + 1)
		m.CreatedAt = now
	} else {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	}
	m.UpdatedAt = now
	s.mappings[key] = &m
	return true
}

// checkUnique mirrors the contacts unique indexes. skipID excludes the row
// being updated.
func (s *MemoryStore) checkUnique(c *Contact, skipID int64) error {
	for id, other := range s.contacts {
		if id == skipID || other.CompanyID != c.CompanyID {
			continue
		}
		switch {
		case other.Number == c.Number:
			return eris.Wrapf(ErrConflict, "contact: number %s", c.Number)
		case c.LidJID != nil && Value(other.LidJID) == *c.LidJID:
			return eris.Wrapf(ErrConflict, "contact: lid %s", *c.LidJID)
		case c.RemoteJID != nil && Value(other.RemoteJID) == *c.RemoteJID:
			return eris.Wrapf(ErrConflict, "contact: remote jid %s", *c.RemoteJID)
		}
	}
	return nil
}

// first returns a copy of the lowest-ID contact matching fn. Callers hold mu.
func (s *MemoryStore) first(companyID int64, fn func(*Contact) bool) *Contact {
	for _, c := range s.sorted(companyID) {
		if fn(c) {
			return clone(c)
		}
	}
	return nil
}

func (s *MemoryStore) sorted(companyID int64) []*Contact {
	out := make([]*Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		if c.CompanyID == companyID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clone(c *Contact) *Contact {
	cp := *c
	cp.CanonicalNumber = clonePtr(c.CanonicalNumber)
	cp.LidJID = clonePtr(c.LidJID)
	cp.RemoteJID = clonePtr(c.RemoteJID)
	if c.ReconciledAt != nil {
		t := *c.ReconciledAt
		cp.ReconciledAt = &t
	}
	return &cp
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
