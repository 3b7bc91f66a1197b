// Command postoken prints an operator bearer token for the checkout API.
// It signs with AUTH_SECRET, the same secret the server verifies with.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/httpapi"
)

func main() {
	if err := run(os.Args[1:], os.Getenv("AUTH_SECRET"), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "postoken: %v\n", err)
		os.Exit(2)
	}
}

func run(args []string, secret string, out io.Writer) error {
	fs := flag.NewFlagSet("postoken", flag.ContinueOnError)
	username := fs.String("user", "", "operator username")
	role := fs.String("role", domain.RoleCashier, "operator role: cashier or admin")
	id := fs.String("id", "", "operator id (defaults to a random uuid)")
	ttl := fs.Duration("ttl", 8*time.Hour, "token lifetime")
	fs.StringVar(&secret, "secret", secret, "signing secret (defaults to AUTH_SECRET)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("AUTH_SECRET or -secret is required")
	}
	if *id == "" {
		*id = uuid.NewString()
	}

	token, expiresAt, err := httpapi.NewAuthManager(secret, *ttl).Sign(domain.Actor{
		ID:       *id,
		Username: *username,
		Role:     strings.ToLower(strings.TrimSpace(*role)),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	fmt.Fprintf(out, "# expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
