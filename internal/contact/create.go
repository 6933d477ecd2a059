package contact

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CreateOrFetch inserts c, or returns the row that won a concurrent insert of
// the same identity. created reports whether c itself was persisted.
func CreateOrFetch(ctx context.Context, repo Repository, c *Contact) (*Contact, bool, error) {
	err := repo.Create(ctx, c)
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, false, err
	}

	existing, ferr := fetchExisting(ctx, repo, c)
	if ferr != nil {
		return nil, false, eris.Wrap(ferr, "contact: refetch after conflict")
	}
	if existing == nil {
		return nil, false, eris.Wrapf(err, "contact: conflicting row for %s not found", c.Number)
	}

	zap.L().Debug("contact: create lost race, using existing row",
		zap.Int64("company_id", c.CompanyID),
		zap.Int64("contact_id", existing.ID),
		zap.String("number", c.Number),
	)
	return existing, false, nil
}

// fetchExisting looks the conflicting row up by each unique key in turn.
func fetchExisting(ctx context.Context, repo Repository, c *Contact) (*Contact, error) {
	existing, err := repo.FindByNumber(ctx, c.CompanyID, c.Number)
	if err != nil || existing != nil {
		return existing, err
	}
	if lid := Value(c.LidJID); lid != "" {
		existing, err = repo.FindByLID(ctx, c.CompanyID, lid)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	if remote := Value(c.RemoteJID); remote != "" {
		return repo.FindByRemoteJID(ctx, c.CompanyID, remote)
	}
	return nil, nil
}
