package resolver

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/contact"
	"github.com/sells-group/contact-identity/internal/identity"
	"github.com/sells-group/contact-identity/internal/phone"
	"github.com/sells-group/contact-identity/internal/session"
)

// sourceCreator tags mappings written for a PN with no recorded source.
const sourceCreator = "creator"

// pendingSuffixDigits is how many trailing digits identify a phone-shaped
// LID with an existing contact.
const pendingSuffixDigits = 10

// Creator materializes contacts the Resolver could not find.
type Creator struct {
	contacts contact.Repository
	mappings contact.MappingStore
	phones   *phone.Normalizer
}

// NewCreator creates a Creator.
func NewCreator(contacts contact.Repository, mappings contact.MappingStore, phones *phone.Normalizer) *Creator {
	return &Creator{contacts: contacts, mappings: mappings, phones: phones}
}

// Create returns a contact for id: a concrete one when a phone number is
// known from id, hint or the mapping store, otherwise a Pending one keyed by
// the LID digits. created reports whether a new row was inserted.
func (cr *Creator) Create(ctx context.Context, companyID int64, id identity.Enriched, hint string) (c *contact.Contact, created bool, err error) {
	log := zap.L().With(zap.Int64("company_id", companyID), zap.String("lid", id.LIDJID))

	pn, err := cr.knownPN(ctx, companyID, id, hint)
	if err != nil {
		return nil, false, err
	}
	if pn != "" {
		res := cr.phones.Normalize(pn)
		if res.Canonical != "" && phone.InStorableRange(res.Canonical) {
			return cr.createConcrete(ctx, log, companyID, id, res.Canonical)
		}
		log.Warn("resolver: discarding corrupt phone number", zap.String("number", pn))
	}

	if !id.HasLID() {
		return nil, false, eris.New("resolver: create: no phone number or lid")
	}
	return cr.createPending(ctx, log, companyID, id)
}

// CreateGroup returns the contact of a group, creating it with the subject
// from groups. A failed metadata fetch falls back to the bare group id.
func (cr *Creator) CreateGroup(ctx context.Context, companyID int64, groupJID string, groups session.GroupMetadataProvider) (*contact.Contact, bool, error) {
	bare := identity.UserOrDigits(groupJID)
	if bare == "" {
		return nil, false, eris.Errorf("resolver: create group: invalid jid %q", groupJID)
	}

	name := bare
	if groups != nil {
		meta, err := groups.Fetch(ctx, groupJID)
		switch {
		case err != nil:
			zap.L().Warn("resolver: group metadata unavailable",
				zap.Int64("company_id", companyID),
				zap.String("group", groupJID),
				zap.Error(err),
			)
		case meta.Subject != "":
			name = meta.Subject
		}
	}

	c, created, err := contact.CreateOrFetch(ctx, cr.contacts, &contact.Contact{
		CompanyID: companyID,
		Name:      name,
		Number:    bare,
		RemoteJID: contact.Ptr(groupJID),
		IsGroup:   true,
	})
	if err != nil {
		return nil, false, eris.Wrap(err, "resolver: create group")
	}
	return c, created, nil
}

func (cr *Creator) knownPN(ctx context.Context, companyID int64, id identity.Enriched, hint string) (string, error) {
	if id.HasPN() {
		return id.PNCanonical, nil
	}
	if hint != "" {
		return hint, nil
	}
	if !id.HasLID() || cr.mappings == nil {
		return "", nil
	}
	m, err := cr.mappings.FindMapping(ctx, companyID, id.LIDJID)
	if err != nil {
		return "", eris.Wrap(err, "resolver: create: mapping")
	}
	if m == nil {
		return "", nil
	}
	return m.PhoneNumber, nil
}

func (cr *Creator) createConcrete(ctx context.Context, log *zap.Logger, companyID int64, id identity.Enriched, canonical string) (*contact.Contact, bool, error) {
	c, created, err := contact.CreateOrFetch(ctx, cr.contacts, &contact.Contact{
		CompanyID:       companyID,
		Name:            displayName(id, canonical),
		Number:          canonical,
		CanonicalNumber: contact.Ptr(canonical),
		RemoteJID:       contact.Ptr(identity.PNJID(canonical)),
	})
	if err != nil {
		return nil, false, eris.Wrap(err, "resolver: create contact")
	}
	if created {
		log.Info("resolver: created contact", zap.Int64("contact_id", c.ID), zap.String("number", canonical))
	}
	if !id.HasLID() {
		return c, created, nil
	}

	if c.LID() == "" {
		err := cr.contacts.SetLID(ctx, companyID, c.ID, id.LIDJID)
		switch {
		case err == nil:
			c.LidJID = contact.Ptr(id.LIDJID)
		case errors.Is(err, contact.ErrConflict):
			log.Debug("resolver: lid already held by another contact", zap.Int64("contact_id", c.ID))
		default:
			log.Warn("resolver: backfill lid failed", zap.Int64("contact_id", c.ID), zap.Error(err))
		}
	}
	cr.rememberMapping(ctx, log, companyID, id, canonical)
	return c, created, nil
}

// rememberMapping records the LID to PN link carried by id. A PN that came
// from a hint is already stored.
func (cr *Creator) rememberMapping(ctx context.Context, log *zap.Logger, companyID int64, id identity.Enriched, canonical string) {
	if cr.mappings == nil || !id.HasPN() {
		return
	}
	source := id.PNSource
	if source == "" {
		source = sourceCreator
	}
	err := cr.mappings.UpsertMapping(ctx, &contact.LidMapping{
		LID:         id.LIDJID,
		CompanyID:   companyID,
		PhoneNumber: canonical,
		Source:      source,
		Confidence:  id.PNConfidence,
		Verified:    id.PNVerified,
	})
	if err != nil {
		log.Warn("resolver: store mapping failed", zap.Error(err))
	}
}

// createPending reuses a contact already keyed by the LID or, for
// phone-shaped LIDs, one sharing the last ten digits, before inserting a
// Pending contact.
func (cr *Creator) createPending(ctx context.Context, log *zap.Logger, companyID int64, id identity.Enriched) (*contact.Contact, bool, error) {
	digits := id.LIDDigits()

	existing, err := cr.contacts.FindByRemoteJID(ctx, companyID, id.LIDJID)
	if err != nil {
		return nil, false, eris.Wrap(err, "resolver: pending by remote jid")
	}
	if existing == nil {
		existing, err = cr.contacts.FindByNumber(ctx, companyID, digits)
		if err != nil {
			return nil, false, eris.Wrap(err, "resolver: pending by number")
		}
	}
	if existing == nil && phone.IsPhoneShaped(digits) {
		existing, err = cr.contacts.FindByLastDigits(ctx, companyID, phone.LastDigits(digits, pendingSuffixDigits))
		if err != nil {
			return nil, false, eris.Wrap(err, "resolver: pending by last digits")
		}
	}
	if existing != nil {
		return existing, false, nil
	}

	c, created, err := contact.CreateOrFetch(ctx, cr.contacts, &contact.Contact{
		CompanyID: companyID,
		Name:      displayName(id, digits),
		Number:    digits,
	})
	if err != nil {
		return nil, false, eris.Wrap(err, "resolver: create pending contact")
	}
	if created {
		log.Info("resolver: created pending contact", zap.Int64("contact_id", c.ID))
	}
	return c, created, nil
}

// displayName uses the sender's push name, except on fromMe traffic where it
// belongs to the connection.
func displayName(id identity.Enriched, fallback string) string {
	if !id.IsFromMe && id.PushName != "" {
		return id.PushName
	}
	return fallback
}
