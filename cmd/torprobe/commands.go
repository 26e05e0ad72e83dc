package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnmobile/lncfg"
	"github.com/lightningnetwork/lnmobile/netstatus"
	"github.com/lightningnetwork/lnmobile/socks5"
	"github.com/lightningnetwork/lnmobile/tor"
	"github.com/urfave/cli"
)

var connectCommand = cli.Command{
	Name:      "connect",
	Usage:     "Open a tunnel to a destination through the SOCKS5 proxy.",
	ArgsUsage: "host:port",
	Description: `
	Performs the SOCKS5 handshake with the proxy given by --socksproxy
	and reports the address the proxy bound for the tunnel. The tunnel is
	closed right after.`,
	Flags: []cli.Flag{
		cli.DurationFlag{
			Name:  "timeout",
			Value: socks5.DefaultConnTimeout,
			Usage: "The maximum time the dial and handshake may take.",
		},
	},
	Action: connect,
}

func connect(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "connect")
	}

	dialer := &socks5.Dialer{
		ProxyAddr: ctx.GlobalString("socksproxy"),
		Timeout:   ctx.Duration("timeout"),
	}

	start := time.Now()
	conn, err := dialer.DialContext(getContext(), "tcp", ctx.Args().First())
	if err != nil {
		return fmt.Errorf("unable to connect: %w", err)
	}
	defer conn.Close()

	tunnel := conn.(*socks5.Conn).Tunnel()
	printJSON(struct {
		Destination string `json:"destination"`
		Bound       string `json:"bound"`
		Elapsed     string `json:"elapsed"`
	}{
		Destination: tunnel.Destination.String(),
		Bound:       tunnel.Bound.String(),
		Elapsed:     time.Since(start).String(),
	})

	return nil
}

var bootstrapCommand = cli.Command{
	Name:  "bootstrap",
	Usage: "Query the bootstrap phase of a running tor over its control port.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "controladdr",
			Value: "127.0.0.1:" +
				strconv.Itoa(lncfg.DefaultTorControlPort),
			Usage: "The host:port of tor's control port.",
		},
		cli.StringFlag{
			Name:  "password",
			Usage: "The control port password, if any.",
		},
	},
	Action: bootstrap,
}

func bootstrap(ctx *cli.Context) error {
	controller := tor.NewController(
		ctx.String("controladdr"), ctx.String("password"),
	)
	if err := controller.Start(); err != nil {
		return fmt.Errorf("unable to connect to control port: %w", err)
	}
	defer func() {
		_ = controller.Stop()
	}()

	progress, err := controller.BootstrapPhase()
	if err != nil {
		return err
	}

	printJSON(struct {
		Version  string `json:"version"`
		Percent  int    `json:"percent"`
		Tag      string `json:"tag"`
		Summary  string `json:"summary"`
		Complete bool   `json:"complete"`
	}{
		Version:  controller.Version(),
		Percent:  progress.Percent,
		Tag:      progress.Tag,
		Summary:  progress.Summary,
		Complete: progress.Done(),
	})

	return nil
}

var launchCommand = cli.Command{
	Name:  "launch",
	Usage: "Launch tor, wait until it is bootstrapped, then stop it.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "datadir",
			Usage: "The directory tor keeps its state in.",
		},
		cli.StringFlag{
			Name:  "binary",
			Usage: "Path to the tor binary.",
		},
		cli.IntFlag{
			Name:  "socksport",
			Value: tor.DefaultSOCKSPort,
			Usage: "The port tor's SOCKS proxy listens on.",
		},
		cli.StringSliceFlag{
			Name:  "bridge",
			Usage: "A bridge line, may be given multiple times.",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: tor.DefaultStartupTimeout,
			Usage: "How long tor may take to bootstrap.",
		},
	},
	Action: launch,
}

func launch(ctx *cli.Context) error {
	torCfg := lncfg.DefaultTor()
	torCfg.Active = true
	torCfg.Binary = ctx.String("binary")
	torCfg.DataDir = lncfg.CleanAndExpandPath(ctx.String("datadir"))
	torCfg.SOCKSPort = ctx.Int("socksport")
	torCfg.ControlPort = 0
	torCfg.Bridges = ctx.StringSlice("bridge")
	torCfg.StartupTimeout = ctx.Duration("timeout")
	torCfg.Liveness.Interval = 0

	if err := torCfg.Validate(); err != nil {
		return err
	}

	daemon := tor.NewDaemon(torCfg.DaemonConfig())
	defer func() {
		_ = daemon.Close()
	}()

	updates, err := daemon.Subscribe()
	if err != nil {
		return err
	}
	defer updates.Cancel()

	go func() {
		for {
			select {
			case status := <-updates.Updates():
				fmt.Println(status)

			case <-updates.Quit():
				return
			}
		}
	}()

	if err := daemon.Start(torCfg.DaemonArgs()); err != nil {
		return err
	}

	if err := daemon.WaitRunning(getContext()); err != nil {
		return fmt.Errorf("tor did not bootstrap: %w", err)
	}

	return daemon.Stop()
}

var reachCommand = cli.Command{
	Name:  "reach",
	Usage: "Check whether the internet is reachable.",
	Flags: []cli.Flag{
		cli.StringSliceFlag{
			Name:  "resolver",
			Usage: "A DNS resolver to query, may be given multiple times.",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: netstatus.DefaultReachabilityTimeout,
			Usage: "The time allowed for the check.",
		},
	},
	Action: reach,
}

func reach(ctx *cli.Context) error {
	cfg := lncfg.DefaultReachability()
	if resolvers := ctx.StringSlice("resolver"); len(resolvers) > 0 {
		cfg.Resolvers = resolvers
	}
	cfg.Timeout = ctx.Duration("timeout")
	if cfg.Timeout > cfg.Interval {
		cfg.Interval = cfg.Timeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	monitor := netstatus.NewReachabilityMonitor(
		&netstatus.ReachabilityConfig{
			Resolvers: cfg.Resolvers,
			ProbeName: cfg.Probe,
			Interval:  ticker.NewForce(cfg.Interval),
			Timeout:   cfg.Timeout,
		},
	)

	checkCtx, cancel := context.WithTimeout(getContext(), cfg.Timeout)
	defer cancel()

	if !monitor.Check(checkCtx) {
		return errors.New("internet unreachable")
	}

	fmt.Println("internet reachable")

	return nil
}
