package lnmobile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnmobile/build"
	"github.com/lightningnetwork/lnmobile/lncfg"
)

const (
	defaultDataDirname = "data"
	defaultLogLevel    = "info"
)

var (
	// DefaultAppDir is the default directory all of lnmobile's files are
	// kept in.
	DefaultAppDir = btcutil.AppDataDir("lnmobile", false)

	// DefaultConfigFile is the default full path of lnmobile's
	// configuration file.
	DefaultConfigFile = filepath.Join(
		DefaultAppDir, lncfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultAppDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultAppDir, lncfg.DefaultLogDirname)
	defaultTorDir  = filepath.Join(defaultDataDir, lncfg.DefaultTorDirname)
)

// Config defines the configuration options for lnmobile.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:ll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	AppDir     string `long:"appdir" description:"The base directory that contains lnmobile's data, logs and configuration file."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store lnmobile's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	Tor *lncfg.Tor `group:"Tor" namespace:"tor"`

	Reachability *lncfg.Reachability `group:"reachability" namespace:"reachability"`

	Prometheus lncfg.Prometheus `group:"prometheus" namespace:"prometheus"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	torCfg := lncfg.DefaultTor()
	torCfg.DataDir = defaultTorDir

	return Config{
		AppDir:       DefaultAppDir,
		ConfigFile:   DefaultConfigFile,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		DebugLevel:   defaultLogLevel,
		LogConfig:    build.DefaultLogConfig(),
		Tor:          torCfg,
		Reachability: lncfg.DefaultReachability(),
		Prometheus:   lncfg.DefaultPrometheus(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	return LoadConfigArgs(os.Args[1:])
}

// LoadConfigArgs works like LoadConfig but parses the given arguments instead
// of the process' command line.
func LoadConfigArgs(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then we'll
	// use the default config file path. However, if the user has modified
	// their app dir, then we should assume they intend to use the config
	// file within it.
	configFileDir := lncfg.CleanAndExpandPath(preCfg.AppDir)
	configFilePath := lncfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultAppDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, lncfg.DefaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		lnmbLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string) (*Config, error) {
	// If the provided app directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	appDir := lncfg.CleanAndExpandPath(cfg.AppDir)
	if appDir != DefaultAppDir {
		cfg.DataDir = filepath.Join(appDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(appDir, lncfg.DefaultLogDirname)

		// Tor's state follows the data directory unless the user
		// picked a different location.
		if cfg.Tor.DataDir == defaultTorDir {
			cfg.Tor.DataDir = filepath.Join(
				cfg.DataDir, lncfg.DefaultTorDirname,
			)
		}
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)
	cfg.Tor.DataDir = lncfg.CleanAndExpandPath(cfg.Tor.DataDir)
	cfg.Tor.Binary = lncfg.CleanAndExpandPath(cfg.Tor.Binary)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		subsystems := logMgr.SupportedSubsystems()
		fmt.Println("Supported subsystems", subsystems)
		os.Exit(0)
	}

	mkErr := func(format string, args ...interface{}) error {
		str := "ValidateConfig: " + format
		err := fmt.Errorf(str, args...)
		_, _ = fmt.Fprintln(os.Stderr, err)
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)

		return err
	}

	// Validate the sub configs.
	if err := cfg.LogConfig.Validate(); err != nil {
		return nil, mkErr("error validating logging config: %w", err)
	}
	if err := cfg.Tor.Validate(); err != nil {
		return nil, mkErr("error validating tor config: %w", err)
	}
	if err := cfg.Reachability.Validate(); err != nil {
		return nil, mkErr("error validating reachability config: %w",
			err)
	}

	if cfg.Prometheus.Enabled() && !lncfg.IsLoopback(cfg.Prometheus.Listen) {
		lnmbLog.Warnf("Prometheus exporter listens on non-loopback "+
			"address %v", cfg.Prometheus.Listen)
	}

	// Parse, validate, and set debug log level(s).
	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, logMgr)
	if err != nil {
		return nil, mkErr("error parsing debug level: %w", err)
	}

	return &cfg, nil
}
