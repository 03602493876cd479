// Command custodiactl is the operator console for a running custodia server.
//
// Usage:
//
//	custodiactl gateway-key                              # Mint a gateway key and its digest
//	custodiactl settlements [-limit 100]                 # List payouts with no final outcome
//	custodiactl resolve -key K [-tx 0x..] -detail "..."  # Record the outcome of a stuck payout
//	custodiactl reconcile [-apply -reason "..."]         # Compare frozen totals, optionally repair
//
// Connection settings come from CUSTODIA_URL, CUSTODIA_GATEWAY_KEY,
// CUSTODIA_ADMIN_SECRET and CUSTODIA_OPERATOR, or the matching flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/custodia/internal/auth"
	"github.com/mbd888/custodia/internal/settlement"
)

func main() {
	_ = godotenv.Load()
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: custodiactl <command> [flags]")
	fmt.Fprintln(w, "Commands: gateway-key, settlements, resolve, reconcile")
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return fmt.Errorf("missing command")
	}
	cmd, rest := args[0], args[1:]

	if cmd == "gateway-key" {
		raw, digest, err := auth.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "key:    %s\ndigest: %s\n", raw, digest)
		fmt.Fprintln(out, "Give the key to the gateway; add the digest to GATEWAY_API_KEYS.")
		return nil
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(out)
	conn := connFlags(fs)

	switch cmd {
	case "settlements":
		limit := fs.Int("limit", 100, "maximum records to list")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		records, err := conn.client().unresolved(ctx, *limit)
		if err != nil {
			return err
		}
		printSettlements(out, records)
		return nil

	case "resolve":
		key := fs.String("key", "", "settlement key")
		tx := fs.String("tx", "", "transaction hash if the payout landed; empty if it never did")
		detail := fs.String("detail", "", "operator note")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *key == "" || *detail == "" {
			return fmt.Errorf("-key and -detail are required")
		}
		rec, err := conn.client().resolve(ctx, *key, *tx, *detail)
		if err != nil {
			return err
		}
		printSettlements(out, []*settlement.Record{rec})
		return nil

	case "reconcile":
		apply := fs.Bool("apply", false, "repair mismatched frozen totals")
		reason := fs.String("reason", "", "audit reason, required with -apply")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *apply && *reason == "" {
			return fmt.Errorf("-reason is required with -apply")
		}
		report, err := conn.client().reconcile(ctx, *apply, *reason)
		if err != nil {
			return err
		}
		printReport(out, report)
		return nil

	default:
		usage(out)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type connection struct {
	url, key, admin, operator *string
	timeout                   *time.Duration
}

func connFlags(fs *flag.FlagSet) connection {
	return connection{
		url:      fs.String("url", envOr("CUSTODIA_URL", "http://localhost:8080"), "server base URL"),
		key:      fs.String("gateway-key", os.Getenv("CUSTODIA_GATEWAY_KEY"), "gateway key"),
		admin:    fs.String("admin-secret", os.Getenv("CUSTODIA_ADMIN_SECRET"), "admin secret"),
		operator: fs.String("operator", envOr("CUSTODIA_OPERATOR", "ops"), "operator id recorded on overrides"),
		timeout:  fs.Duration("timeout", 30*time.Second, "request timeout"),
	}
}

func (c connection) client() *client {
	return newClient(*c.url, *c.key, *c.admin, *c.operator, *c.timeout)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
