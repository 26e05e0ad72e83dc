package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lightningnetwork/lnmobile/build"
	"github.com/urfave/cli"
)

const defaultSOCKSAddr = "127.0.0.1:9150"

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "[torprobe] %v\n", err)
	os.Exit(1)
}

// getContext spins up a goroutine that cancels the returned context once an
// interrupt is received.
func getContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	return ctx
}

func printJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fatal(err)
	}

	fmt.Println(string(b))
}

func main() {
	app := cli.NewApp()
	app.Name = "torprobe"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "probe connectivity through the embedded tor daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "socksproxy",
			Value: defaultSOCKSAddr,
			Usage: "The host:port of the SOCKS5 proxy of tor.",
		},
	}
	app.Commands = []cli.Command{
		connectCommand,
		bootstrapCommand,
		launchCommand,
		reachCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
