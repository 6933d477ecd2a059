package resolver

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/contact"
	"github.com/sells-group/contact-identity/internal/identity"
	"github.com/sells-group/contact-identity/internal/lid"
	"github.com/sells-group/contact-identity/internal/session"
)

// Message is one inbound message to attribute.
type Message struct {
	CompanyID    int64
	ConnectionID int64
	Envelope     identity.Envelope
	// Session is the receiving connection. It may be nil, in which case only
	// stored data is consulted.
	Session session.Session
}

// Outcome is the result of handling a message.
type Outcome struct {
	Identifiers identity.Enriched
	// Contact is the sender, or the peer on fromMe traffic. It is nil for
	// group messages without a usable participant.
	Contact *contact.Contact
	// GroupContact is set for group messages.
	GroupContact *contact.Contact
	// LID is the resolution that supplied the phone number, if any.
	LID        *lid.Resolution
	Resolution *Resolution
	Created    bool
}

// Pipeline runs extraction, LID resolution, lookup and creation in sequence.
type Pipeline struct {
	extractor *identity.Extractor
	engine    *lid.Engine
	resolver  *Resolver
	creator   *Creator
}

// NewPipeline creates a Pipeline. engine may be nil to skip LID resolution.
func NewPipeline(extractor *identity.Extractor, engine *lid.Engine, resolver *Resolver, creator *Creator) *Pipeline {
	return &Pipeline{extractor: extractor, engine: engine, resolver: resolver, creator: creator}
}

// Handle attributes msg to a contact, creating one when needed.
func (p *Pipeline) Handle(ctx context.Context, msg Message) (*Outcome, error) {
	var lookup identity.PNLookup
	if msg.Session != nil {
		lookup = msg.Session
	}
	ext := p.extractor.Extract(msg.Envelope, lookup)
	out := &Outcome{Identifiers: ext.Passthrough()}

	if ext.IsGroup {
		g, err := p.group(ctx, msg, ext.GroupJID)
		if err != nil {
			return nil, err
		}
		out.GroupContact = g
	}

	if !ext.HasPN() && !ext.HasLID() {
		zap.L().Debug("resolver: message carries no usable identifier",
			zap.Int64("company_id", msg.CompanyID),
			zap.String("remote_jid", msg.Envelope.RemoteJID),
		)
		return out, nil
	}

	enriched, err := p.enrich(ctx, msg, ext, out)
	if err != nil {
		return nil, err
	}
	out.Identifiers = enriched

	res, err := p.resolver.Resolve(ctx, msg.CompanyID, enriched)
	if err != nil {
		return nil, err
	}
	out.Resolution = res
	if res.Contact != nil {
		out.Contact = res.Contact
		return out, nil
	}

	c, created, err := p.creator.Create(ctx, msg.CompanyID, enriched, res.PNFromMappingHint)
	if err != nil {
		return nil, err
	}
	out.Contact = c
	out.Created = created
	return out, nil
}

// enrich runs the LID chain when only a LID is known.
func (p *Pipeline) enrich(ctx context.Context, msg Message, ext identity.Extracted, out *Outcome) (identity.Enriched, error) {
	if ext.HasPN() || p.engine == nil {
		return ext.Passthrough(), nil
	}
	res, err := p.engine.Resolve(ctx, lid.Request{
		CompanyID:    msg.CompanyID,
		ConnectionID: msg.ConnectionID,
		LID:          ext.LIDJID,
		PushName:     ext.PushName,
		FromMe:       ext.IsFromMe,
		Session:      msg.Session,
	})
	if err != nil {
		return identity.Enriched{}, eris.Wrap(err, "resolver: lid")
	}
	if res == nil {
		return ext.Passthrough(), nil
	}
	out.LID = res
	return ext.Enrich(res.Phone, res.Source, res.Confidence, res.Verified), nil
}

func (p *Pipeline) group(ctx context.Context, msg Message, groupJID string) (*contact.Contact, error) {
	g, err := p.resolver.ResolveGroup(ctx, msg.CompanyID, groupJID)
	if err != nil {
		return nil, err
	}
	if g != nil {
		return g, nil
	}
	var groups session.GroupMetadataProvider
	if msg.Session != nil {
		groups = msg.Session
	}
	g, _, err = p.creator.CreateGroup(ctx, msg.CompanyID, groupJID, groups)
	return g, err
}
