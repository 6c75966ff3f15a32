// Chainproxy relays client byte streams through a chain of transform
// and transport steps.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chainproxy/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chainproxy: %v\n", err)
		os.Exit(1)
	}
}
