// Command tickctl manages tickd jobs and inspects their run history. It
// works directly on the daemon's store, so it needs the same config (or
// TICKD_DB) as the daemon but not a running daemon, except for "status".
package main

import (
	"context"
	"os"
	"os/signal"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv)
	cancel()
	os.Exit(code)
}
