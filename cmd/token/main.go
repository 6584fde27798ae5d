// Command token mints a development token for a user id using the
// service's JWT settings, so the API can be exercised with curl.
//
//	go run ./cmd/token -user alice
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/papertrade/portfolio-engine/internal/auth"
	"github.com/papertrade/portfolio-engine/internal/config"
)

func main() {
	user := flag.String("user", "", "user id to embed in the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: token -user <id> [-ttl 24h]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	token, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience, *ttl).Issue(*user)
	if err != nil {
		slog.Error("sign token", "err", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
