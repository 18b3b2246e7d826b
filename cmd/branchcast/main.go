package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jabolina/go-branchcast/pkg/branchcast"
	"github.com/jabolina/go-branchcast/pkg/branchcast/definition"
)

func main() {
	path := flag.String("config", "branch.toml", "path to the branch configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	configuration, err := definition.LoadConfiguration(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed loading configuration: %v\n", err)
		os.Exit(1)
	}
	configuration.Logger.ToggleDebug(*debug)

	branch, err := branchcast.NewBranch(configuration)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed creating branch: %v\n", err)
		os.Exit(1)
	}
	if err := branch.Start(); err != nil {
		configuration.Logger.Fatalf("failed starting branch. %v", err)
	}
	configuration.Logger.Infof("branch %s listening on %s", branch.ID(), configuration.BindAddress())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	branch.Shutdown().Wait()
}
