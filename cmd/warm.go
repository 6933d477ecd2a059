package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/contact-identity/internal/contact"
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Store LID mappings from the device address book",
	Long:  "Reads the paired device's cached address book and bulk-stores every LID to phone number pair as an address_book mapping for the company.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("resolve"); err != nil {
			return err
		}
		if cfg.WhatsApp.StoreDSN == "" {
			return eris.New("warm: whatsapp.store_dsn is required")
		}

		companyID, _ := cmd.Flags().GetInt64("company")
		if companyID <= 0 {
			return eris.New("warm: --company is required")
		}
		connectionID, _ := cmd.Flags().GetInt64("connection")
		if connectionID == 0 {
			connectionID = cfg.WhatsApp.ConnectionID
		}

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

		entries, err := sess.CachedAddressBook(ctx)
		if err != nil {
			return eris.Wrap(err, "warm")
		}

		engine := buildEngine(contact.NewPostgresStore(pg.Pool()), cfg)
		n, err := engine.Warm(ctx, companyID, connectionID, entries)
		if err != nil {
			return eris.Wrap(err, "warm")
		}
		fmt.Fprintf(os.Stdout, "Address book entries: %d\nMappings written: %d\n", len(entries), n)
		return nil
	},
}

func init() {
	warmCmd.Flags().Int64("company", 0, "company (tenant) ID")
	warmCmd.Flags().Int64("connection", 0, "connection ID (overrides whatsapp.connection_id)")
	rootCmd.AddCommand(warmCmd)
}
