package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fenggwsx/RoomRelay/internal/auth"
	"github.com/fenggwsx/RoomRelay/internal/config"
)

func main() {
	username := flag.String("user", "", "username to issue the token for")
	flag.Parse()

	cfg := config.LoadJWTConfig()
	if cfg.Secret == "" {
		fmt.Fprintln(os.Stderr, "RELAY_JWT_SECRET is not set")
		os.Exit(1)
	}
	if *username == "" {
		fmt.Fprintln(os.Stderr, "usage: relaytoken -user <name>")
		os.Exit(2)
	}

	token, err := auth.IssueLoginToken(cfg, *username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
