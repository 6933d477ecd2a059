// Package resolver finds or creates the contact behind an inbound message.
package resolver

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/contact"
	"github.com/sells-group/contact-identity/internal/identity"
	"github.com/sells-group/contact-identity/internal/phone"
)

// Resolution is the outcome of a lookup. Contact is nil when nothing matched.
type Resolution struct {
	Contact       *contact.Contact
	LidBackfilled bool
	// PNFromMappingHint is the canonical number read from the LID mapping
	// store, whether or not a contact matched it.
	PNFromMappingHint string
	Reconciled        bool
}

// Resolver looks contacts up from identifier bundles. Backfill writes are
// best-effort and never fail a lookup.
type Resolver struct {
	contacts contact.Repository
	mappings contact.MappingStore
	phones   *phone.Normalizer
}

// New creates a Resolver.
func New(contacts contact.Repository, mappings contact.MappingStore, phones *phone.Normalizer) *Resolver {
	return &Resolver{contacts: contacts, mappings: mappings, phones: phones}
}

// Resolve searches, in order: by canonical number, by LID, by legacy
// LID-form remote JID, through the LID mapping hint, and finally among
// Pending contacts holding the LID digits, which are reconciled in place
// when a phone number is known.
func (r *Resolver) Resolve(ctx context.Context, companyID int64, id identity.Enriched) (*Resolution, error) {
	log := zap.L().With(zap.Int64("company_id", companyID), zap.String("lid", id.LIDJID))
	res := &Resolution{}

	if id.HasPN() {
		c, err := r.contacts.FindByCanonical(ctx, companyID, id.PNCanonical)
		if err != nil {
			return nil, eris.Wrap(err, "resolver: by canonical")
		}
		if c != nil {
			res.Contact = c
			res.LidBackfilled = r.backfill(ctx, log, c, id.LIDJID, id.PNCanonical)
			return res, nil
		}
	}

	if !id.HasLID() {
		return res, nil
	}

	c, err := r.contacts.FindByLID(ctx, companyID, id.LIDJID)
	if err != nil {
		return nil, eris.Wrap(err, "resolver: by lid")
	}
	if c == nil {
		// Contacts created before LIDs had their own column stored the LID
		// as remote_jid.
		c, err = r.contacts.FindByRemoteJID(ctx, companyID, id.LIDJID)
		if err != nil {
			return nil, eris.Wrap(err, "resolver: by legacy remote jid")
		}
	}
	var pending *contact.Contact
	if c != nil {
		if c.Canonical() != "" {
			res.Contact = c
			res.LidBackfilled = r.backfill(ctx, log, c, id.LIDJID, id.PNCanonical)
			return res, nil
		}
		pending = c
	}

	hint, err := r.mappingHint(ctx, companyID, id.LIDJID)
	if err != nil {
		return nil, err
	}
	if hint != "" {
		res.PNFromMappingHint = hint
		found, err := r.contacts.FindByCanonical(ctx, companyID, hint)
		if err != nil {
			return nil, eris.Wrap(err, "resolver: by mapped number")
		}
		if found != nil {
			res.Contact = found
			res.LidBackfilled = r.backfill(ctx, log, found, id.LIDJID, hint)
			return res, nil
		}
	}

	if pending == nil {
		pending, err = r.contacts.FindPending(ctx, companyID, id.LIDDigits())
		if err != nil {
			return nil, eris.Wrap(err, "resolver: pending")
		}
		if pending == nil {
			return res, nil
		}
	}

	pn := id.PNCanonical
	if pn == "" {
		pn = hint
	}
	if pn == "" {
		res.Contact = pending
		return res, nil
	}
	return r.reconcile(ctx, log, pending, id.LIDJID, pn, res)
}

// ResolveGroup finds the contact of a group by its JID or bare id.
func (r *Resolver) ResolveGroup(ctx context.Context, companyID int64, groupJID string) (*contact.Contact, error) {
	bare := identity.UserOrDigits(groupJID)
	if bare == "" {
		return nil, nil
	}
	c, err := r.contacts.FindByNumber(ctx, companyID, groupJID, bare)
	if err != nil {
		return nil, eris.Wrap(err, "resolver: group")
	}
	return c, nil
}

// mappingHint returns the canonical number of a trusted stored mapping, or "".
func (r *Resolver) mappingHint(ctx context.Context, companyID int64, lid string) (string, error) {
	if r.mappings == nil {
		return "", nil
	}
	m, err := r.mappings.FindMapping(ctx, companyID, lid)
	if err != nil {
		return "", eris.Wrap(err, "resolver: mapping hint")
	}
	if m == nil || !m.Trusted() {
		return "", nil
	}
	pn := r.phones.Normalize(m.PhoneNumber)
	if !phone.IsPhoneShaped(pn.Canonical) {
		return "", nil
	}
	return pn.Canonical, nil
}

// reconcile turns a Pending contact into a Reconciled one. If another row
// already owns the number, that row is returned instead; if another worker
// reconciled the contact first, the stored row is re-read.
func (r *Resolver) reconcile(ctx context.Context, log *zap.Logger, pending *contact.Contact, lid, pn string, res *Resolution) (*Resolution, error) {
	updated := *pending
	updated.Number = pn
	updated.CanonicalNumber = contact.Ptr(pn)
	updated.LidJID = contact.Ptr(lid)
	updated.RemoteJID = contact.Ptr(identity.PNJID(pn))

	err := r.contacts.Reconcile(ctx, &updated)
	switch {
	case err == nil:
		log.Info("resolver: reconciled pending contact",
			zap.Int64("contact_id", pending.ID),
			zap.String("number", pn),
		)
		res.Contact = &updated
		res.Reconciled = true
		res.LidBackfilled = true
		return res, nil
	case errors.Is(err, contact.ErrConflict):
		log.Warn("resolver: reconcile conflict, using existing contact",
			zap.Int64("contact_id", pending.ID),
			zap.Error(err),
		)
		owner, ferr := r.contacts.FindByCanonical(ctx, pending.CompanyID, pn)
		if ferr != nil {
			return nil, eris.Wrap(ferr, "resolver: refetch after reconcile conflict")
		}
		if owner == nil {
			if owner, ferr = r.contacts.Get(ctx, pending.CompanyID, pending.ID); ferr != nil {
				return nil, eris.Wrap(ferr, "resolver: refetch after reconcile conflict")
			}
		}
		if owner == nil {
			owner = pending
		}
		res.Contact = owner
		return res, nil
	default:
		return nil, eris.Wrap(err, "resolver: reconcile")
	}
}

// backfill sets a missing lid_jid and replaces a LID-form remote_jid with the
// PN form. It reports whether the LID was written.
func (r *Resolver) backfill(ctx context.Context, log *zap.Logger, c *contact.Contact, lid, pn string) bool {
	var wrote bool
	if lid != "" && c.LID() == "" {
		err := r.contacts.SetLID(ctx, c.CompanyID, c.ID, lid)
		switch {
		case err == nil:
			c.LidJID = contact.Ptr(lid)
			wrote = true
		case errors.Is(err, contact.ErrConflict):
			log.Debug("resolver: lid already held by another contact", zap.Int64("contact_id", c.ID))
		default:
			log.Warn("resolver: backfill lid failed", zap.Int64("contact_id", c.ID), zap.Error(err))
		}
	}

	if pn != "" && identity.IsLID(c.Remote()) {
		jid := identity.PNJID(pn)
		if err := r.contacts.SetRemoteJID(ctx, c.CompanyID, c.ID, jid); err != nil {
			log.Warn("resolver: correct remote jid failed", zap.Int64("contact_id", c.ID), zap.Error(err))
		} else {
			c.RemoteJID = contact.Ptr(jid)
		}
	}
	return wrote
}
