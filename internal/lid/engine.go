// Package lid discovers the phone number behind a WhatsApp LID by running an
// ordered chain of strategies.
package lid

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/contact-identity/internal/contact"
	"github.com/sells-group/contact-identity/internal/identity"
	"github.com/sells-group/contact-identity/internal/phone"
	"github.com/sells-group/contact-identity/internal/session"
)

// Request is one LID to resolve.
type Request struct {
	CompanyID    int64
	ConnectionID int64
	// LID is the full LID JID, e.g. "123456789012345@lid".
	LID      string
	PushName string
	FromMe   bool
	// Session is the live connection. Session strategies are skipped when
	// it is nil.
	Session session.Session
}

// Candidate is a strategy's answer before validation.
type Candidate struct {
	Number     string
	Confidence float64
	Verified   bool
}

// Strategy is one step of the resolution chain. ok is false when the
// strategy has no answer.
type Strategy interface {
	Name() string
	TryResolve(ctx context.Context, req Request) (c Candidate, ok bool, err error)
}

// Attempt outcomes.
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Attempt records what one strategy did.
type Attempt struct {
	Strategy string `json:"strategy"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
}

// Resolution is a resolved LID.
type Resolution struct {
	LID        string       `json:"lid"`
	Phone      phone.Result `json:"phone"`
	Source     string       `json:"source"`
	Confidence float64      `json:"confidence"`
	Verified   bool         `json:"verified"`
	Attempts   []Attempt    `json:"attempts"`
}

// Engine runs strategies in a fixed order.
type Engine struct {
	strategies []Strategy
	fromMe     []Strategy
	mappings   contact.MappingStore
	phones     *phone.Normalizer
	flights    singleflight.Group
}

// NewEngine creates an Engine. strategies run for every request; fromMe
// strategies are appended only for fromMe traffic.
func NewEngine(phones *phone.Normalizer, mappings contact.MappingStore, strategies, fromMe []Strategy) *Engine {
	return &Engine{
		strategies: strategies,
		fromMe:     fromMe,
		mappings:   mappings,
		phones:     phones,
	}
}

// Names returns the strategy names in run order, fromMe strategies last.
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.strategies)+len(e.fromMe))
	for _, s := range e.strategies {
		names = append(names, s.Name())
	}
	for _, s := range e.fromMe {
		names = append(names, s.Name())
	}
	return names
}

// Resolve runs the chain for req.LID and returns the first valid phone
// number, or nil when every strategy came up empty. Strategy failures are
// logged and skipped. Concurrent calls for the same company and LID share one
// run.
func (e *Engine) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	if !identity.IsLID(req.LID) {
		return nil, eris.Errorf("lid: resolve: %q is not a LID", req.LID)
	}

	key := strconv.FormatInt(req.CompanyID, 10) + "/" + req.LID
	if req.FromMe {
		key += "/me"
	}
	v, err, _ := e.flights.Do(key, func() (any, error) {
		return e.run(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	res, _ := v.(*Resolution)
	if res == nil {
		return nil, nil
	}
	out := *res
	out.Attempts = append([]Attempt(nil), res.Attempts...)
	return &out, nil
}

func (e *Engine) run(ctx context.Context, req Request) (*Resolution, error) {
	log := zap.L().With(
		zap.Int64("company_id", req.CompanyID),
		zap.Int64("connection_id", req.ConnectionID),
		zap.String("lid", req.LID),
	)

	chain := e.strategies
	if req.FromMe {
		chain = append(append([]Strategy(nil), e.strategies...), e.fromMe...)
	}

	attempts := make([]Attempt, 0, len(chain))
	for _, s := range chain {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "lid: resolve")
		}

		name := s.Name()
		cand, ok, err := s.TryResolve(ctx, req)
		switch {
		case err != nil:
			log.Warn("lid: strategy failed", zap.String("strategy", name), zap.Error(err))
			attempts = append(attempts, Attempt{Strategy: name, Outcome: OutcomeError, Error: err.Error()})
			continue
		case !ok:
			attempts = append(attempts, Attempt{Strategy: name, Outcome: OutcomeMiss})
			continue
		}

		pn := e.phones.Normalize(cand.Number)
		if pn.Canonical == "" || !phone.IsPhoneShaped(pn.Canonical) {
			log.Debug("lid: candidate is not phone-shaped",
				zap.String("strategy", name),
				zap.String("candidate", cand.Number),
			)
			attempts = append(attempts, Attempt{Strategy: name, Outcome: OutcomeRejected})
			continue
		}
		attempts = append(attempts, Attempt{Strategy: name, Outcome: OutcomeHit})

		res := &Resolution{
			LID:        req.LID,
			Phone:      pn,
			Source:     name,
			Confidence: cand.Confidence,
			Verified:   cand.Verified,
			Attempts:   attempts,
		}
		if name != NameMapping {
			e.remember(ctx, log, req, res)
		}
		log.Debug("lid: resolved",
			zap.String("strategy", name),
			zap.String("number", pn.Canonical),
			zap.Float64("confidence", cand.Confidence),
		)
		return res, nil
	}

	log.Debug("lid: chain exhausted", zap.Int("strategies", len(chain)))
	return nil, nil
}

// remember stores the result as a mapping tagged with the strategy name. A
// failed write never fails the resolution.
func (e *Engine) remember(ctx context.Context, log *zap.Logger, req Request, res *Resolution) {
	if e.mappings == nil {
		return
	}
	m := &contact.LidMapping{
		LID:         req.LID,
		CompanyID:   req.CompanyID,
		PhoneNumber: res.Phone.Canonical,
		Source:      res.Source,
		Confidence:  res.Confidence,
		Verified:    res.Verified,
	}
	if req.ConnectionID != 0 {
		conn := req.ConnectionID
		m.WhatsappID = &conn
	}
	if err := e.mappings.UpsertMapping(ctx, m); err != nil {
		log.Warn("lid: store mapping failed", zap.String("strategy", res.Source), zap.Error(err))
	}
}
