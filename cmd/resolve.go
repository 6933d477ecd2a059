package main

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.mau.fi/whatsmeow"
	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/config"
	"github.com/sells-group/contact-identity/internal/contact"
	"github.com/sells-group/contact-identity/internal/identity"
	"github.com/sells-group/contact-identity/internal/lid"
	"github.com/sells-group/contact-identity/internal/phone"
	"github.com/sells-group/contact-identity/internal/resilience"
	"github.com/sells-group/contact-identity/internal/resolver"
	"github.com/sells-group/contact-identity/internal/session"
	"github.com/sells-group/contact-identity/internal/whatsapp"
)

const connectTimeout = 15 * time.Second

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Attribute one message envelope to a contact",
	Long: "Runs identifier extraction, LID resolution, contact lookup and creation for one envelope against the configured database. " +
		"When whatsapp.store_dsn is set the paired device is connected and used for session and network lookups.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("resolve"); err != nil {
			return err
		}

		companyID, _ := cmd.Flags().GetInt64("company")
		if companyID <= 0 {
			return eris.New("resolve: --company is required")
		}
		env := envelopeFromFlags(cmd)
		if env.RemoteJID == "" {
			return eris.New("resolve: --remote-jid is required")
		}
		connectionID, _ := cmd.Flags().GetInt64("connection")
		if connectionID == 0 {
			connectionID = cfg.WhatsApp.ConnectionID
		}
		output, _ := cmd.Flags().GetString("output")

		pg, err := openPostgres(ctx)
		if err != nil {
			return err
		}
		defer pg.Close() //nolint:errcheck

		sess, closeSession, err := openSession(ctx, cfg.WhatsApp)
		if err != nil {
			return err
		}
		defer closeSession()

		pipeline := buildPipeline(contact.NewPostgresStore(pg.Pool()), cfg)
		out, err := pipeline.Handle(ctx, resolver.Message{
			CompanyID:    companyID,
			ConnectionID: connectionID,
			Envelope:     env,
			Session:      sess,
		})
		if err != nil {
			return eris.Wrap(err, "resolve")
		}
		return writeStructured(os.Stdout, output, out)
	},
}

func init() {
	f := resolveCmd.Flags()
	f.Int64("company", 0, "company (tenant) ID")
	f.Int64("connection", 0, "connection ID (overrides whatsapp.connection_id)")
	f.String("output", "json", "output format (json, yaml)")
	registerEnvelopeFlags(resolveCmd)
	rootCmd.AddCommand(resolveCmd)
}

func registerEnvelopeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("remote-jid", "", "chat JID of the message")
	f.String("remote-jid-alt", "", "alternate chat JID")
	f.String("participant", "", "group participant JID")
	f.String("participant-alt", "", "alternate participant JID")
	f.String("sender-pn", "", "sender phone JID supplied by the server")
	f.String("push-name", "", "sender display name")
	f.String("own-jid", "", "JID of the receiving connection")
	f.Bool("from-me", false, "message was sent by the connection itself")
}

func envelopeFromFlags(cmd *cobra.Command) identity.Envelope {
	var env identity.Envelope
	f := cmd.Flags()
	env.RemoteJID, _ = f.GetString("remote-jid")
	env.RemoteJIDAlt, _ = f.GetString("remote-jid-alt")
	env.Participant, _ = f.GetString("participant")
	env.ParticipantAlt, _ = f.GetString("participant-alt")
	env.SenderPN, _ = f.GetString("sender-pn")
	env.PushName, _ = f.GetString("push-name")
	env.OwnJID, _ = f.GetString("own-jid")
	env.FromMe, _ = f.GetBool("from-me")
	return env
}

// resolverStores is what the pipeline needs from the contact store.
type resolverStores interface {
	contact.Repository
	contact.MappingStore
	contact.TicketStore
}

// buildEngine wires the LID strategy chain over one contact store.
func buildEngine(st resolverStores, c *config.Config) *lid.Engine {
	rc := c.Resolver
	deps := lid.Deps{
		Mappings: st,
		Contacts: st,
		Tickets:  st,
		Cache:    session.NewCache(time.Duration(rc.CacheTTLSecs)*time.Second, rc.CacheCapacity),
		Guard: resilience.NewGuard(resilience.FromResolverConfig(
			rc.NetworkRatePerSec, rc.NetworkBurst, rc.CircuitFailureThreshold, rc.CircuitResetSecs,
		)),
	}
	return lid.NewEngine(phone.New(c.Phone.DefaultRegion), st, lid.DefaultStrategies(deps), lid.FromMeStrategies(deps))
}

// buildPipeline wires extraction, the LID chain, lookup and creation over
// one contact store.
func buildPipeline(st resolverStores, c *config.Config) *resolver.Pipeline {
	phones := phone.New(c.Phone.DefaultRegion)
	return resolver.NewPipeline(
		identity.NewExtractor(phones),
		buildEngine(st, c),
		resolver.New(st, st, phones),
		resolver.NewCreator(st, st, phones),
	)
}

// openSession connects the paired device in the whatsmeow store. It returns
// a nil session when no store is configured.
func openSession(ctx context.Context, wc config.WhatsAppConfig) (session.Session, func(), error) {
	noop := func() {}
	if wc.StoreDSN == "" {
		return nil, noop, nil
	}
	log := zap.L().With(zap.Int64("connection_id", wc.ConnectionID))

	container, keys, err := whatsapp.OpenContainer(ctx, wc.StoreDSN)
	if err != nil {
		return nil, noop, err
	}
	cli, err := whatsapp.FirstClient(ctx, container)
	if err != nil {
		keys.Close() //nolint:errcheck
		return nil, noop, err
	}
	closeFn := func() { closeClient(cli, keys) }

	if cli.Store.ID != nil {
		if err := cli.Connect(); err != nil {
			log.Warn("whatsapp: connect failed; continuing with stored data", zap.Error(err))
		} else if !cli.WaitForConnection(connectTimeout) {
			log.Warn("whatsapp: connection not ready; network lookups may fail")
		}
	}

	adapter := whatsapp.NewAdapter(cli, keys)
	n, err := adapter.Preload(ctx)
	if err != nil {
		log.Warn("whatsapp: preload lid map", zap.Error(err))
	} else {
		log.Debug("whatsapp: lid map preloaded", zap.Int("entries", n))
	}
	return adapter, closeFn, nil
}

func closeClient(cli *whatsmeow.Client, keys *sql.DB) {
	cli.Disconnect()
	keys.Close() //nolint:errcheck
}
