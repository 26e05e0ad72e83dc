package lnmobile

import (
	"fmt"

	"github.com/lightningnetwork/lnmobile/build"
	"github.com/lightningnetwork/lnmobile/signal"
)

// Main is the true entry point for lnmobiled. It's required since defers
// created in the top-level scope of a main method aren't executed if os.Exit()
// is called. It returns once a shutdown was requested through the
// interceptor.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("unable to initialize logging: %w", err)
	}
	defer func() {
		lnmbLog.Info("Shutdown complete")
		if err := logRotator.Close(); err != nil {
			lnmbLog.Errorf("Could not close log rotator: %v", err)
		}
	}()

	// Show version at startup.
	lnmbLog.Infof("Version: %s commit=%s, build=%s, logging=%s",
		build.Version(), build.Commit, build.Deployment,
		build.LoggingType)

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("unable to create node: %w", err)
	}

	if err := node.Start(); err != nil {
		return fmt.Errorf("unable to start node: %w", err)
	}
	defer func() {
		if err := node.Stop(); err != nil {
			lnmbLog.Errorf("Unable to stop node: %v", err)
		}
	}()

	if err := interceptor.NotifyReady(); err != nil {
		return err
	}

	lnmbLog.Infof("Connectivity core started, tor=%v",
		cfg.Tor.Active)

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-interceptor.ShutdownChannel()

	return nil
}
