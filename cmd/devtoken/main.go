// Command devtoken mints a bearer token for local testing against the POS
// backend. It signs with the same AUTH_SECRET the server reads.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"kasirflow/backend/internal/config"
	"kasirflow/backend/internal/httpapi"
)

func main() {
	username := flag.String("user", "cashier", "username carried in the token")
	role := flag.String("role", "cashier", "role: cashier or admin")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to ACCESS_TOKEN_TTL_MINUTES)")
	flag.Parse()

	cfg := config.Load()
	if cfg.AuthSecret == "" {
		log.Fatal("AUTH_SECRET is required")
	}

	lifetime := cfg.AccessTokenTTL()
	if *ttl > 0 {
		lifetime = *ttl
	}

	token, expiresAt, err := httpapi.NewAuthManager(cfg.AuthSecret, lifetime, "").IssueToken(*username, *role)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}

	fmt.Fprintln(os.Stdout, token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
}
