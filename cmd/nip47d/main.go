package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lightninglabs/nip47/nip47d"
)

func main() {
	cfg, err := nip47d.ParseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "[nip47d] %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The node stops plugins by closing stdin, but be a good citizen on
	// direct signals too.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	daemon := nip47d.New(cfg)
	if err := daemon.Run(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "[nip47d] %v\n", err)
		os.Exit(1)
	}
}
