package lid

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/contact"
	"github.com/sells-group/contact-identity/internal/identity"
	"github.com/sells-group/contact-identity/internal/phone"
	"github.com/sells-group/contact-identity/internal/session"
)

// Warm bulk-stores the LID to PN pairs of an address-book snapshot as
// address_book mappings, so later messages resolve at the mapping step.
// Pairs whose number is not phone-shaped are skipped. It returns the number
// of rows written.
func (e *Engine) Warm(ctx context.Context, companyID, connectionID int64, entries []session.AddressBookEntry) (int64, error) {
	if e.mappings == nil {
		return 0, nil
	}
	ms := e.warmMappings(companyID, connectionID, entries)
	if len(ms) == 0 {
		return 0, nil
	}
	n, err := e.mappings.UpsertMappings(ctx, ms)
	if err != nil {
		return 0, eris.Wrap(err, "lid: warm mappings")
	}
	zap.L().Info("lid: warmed mappings from address book",
		zap.Int64("company_id", companyID),
		zap.Int64("connection_id", connectionID),
		zap.Int("pairs", len(ms)),
		zap.Int64("written", n),
	)
	return n, nil
}

func (e *Engine) warmMappings(companyID, connectionID int64, entries []session.AddressBookEntry) []contact.LidMapping {
	byLID := make(map[string]string)
	for _, en := range entries {
		pn := entryPN(en)
		if pn == "" {
			continue
		}
		canonical := e.phones.Normalize(pn).Canonical
		if !phone.IsPhoneShaped(canonical) {
			continue
		}
		lids := en.LIDs
		if identity.IsLID(en.ID) {
			lids = append([]string{en.ID}, lids...)
		}
		for _, l := range lids {
			if !identity.IsLID(l) {
				continue
			}
			if _, seen := byLID[l]; !seen {
				byLID[l] = canonical
			}
		}
	}

	var conn *int64
	if connectionID != 0 {
		conn = &connectionID
	}
	ms := make([]contact.LidMapping, 0, len(byLID))
	for l, pn := range byLID {
		ms = append(ms, contact.LidMapping{
			LID:         l,
			CompanyID:   companyID,
			PhoneNumber: pn,
			WhatsappID:  conn,
			Source:      NameAddressBook,
			Confidence:  confidenceAddressBook,
			Verified:    true,
		})
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].LID < ms[j].LID })
	return ms
}
