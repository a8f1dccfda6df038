package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/snapcache/snapcache"
	cachekey "github.com/snapcache/snapcache/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	providerFlag       string
	dbPathFlag         string
	ttlFlag            time.Duration
	respectHeadersFlag bool
	includeHeadersFlag bool
	sweepFlag          bool
	verbosityTraceFlag bool
	logFilenameFlag    string
	versionFlag        bool

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file to use")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache provider: memory, sqlite or leveldb")
	flag.StringVar(&dbPathFlag, "db", "snapcache.db", "Cache DB path (file for sqlite, directory for leveldb)")
	flag.DurationVar(&ttlFlag, "ttl", time.Hour, "Default time to live for stored responses")
	flag.BoolVar(&respectHeadersFlag, "respect-headers", false, "Derive expiry from response cache headers")
	flag.BoolVar(&includeHeadersFlag, "i", false, "Include response status and headers in output")
	flag.BoolVar(&sweepFlag, "sweep", false, "Delete expired cache entries and exit")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stderr)")
	flag.BoolVar(&versionFlag, "version", false, "Print version and exit")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.InfoLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stderr
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stderr})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	if versionFlag {
		fmt.Println(version)
		return
	}

	cfg := defaultFileConfig()
	if configFlag != "" {
		var err error
		cfg, err = loadConfig(configFlag)
		if err != nil {
			log.Fatal().Err(err).Str("file", configFlag).Msg("Cannot load config")
		}
	}
	applyFlags(&cfg)

	provider, err := cfg.provider()
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open cache")
	}

	pol := cfg.policy()
	client := snapcache.New(snapcache.Config{
		Cache:  provider,
		Policy: &pol,
		Keyer:  &cachekey.Keyer{VaryHeaders: cfg.VaryHeaders},
	})
	defer client.Close()

	if sweepFlag {
		removed, err := client.SweepExpired()
		if err != nil {
			log.Fatal().Err(err).Msg("Sweep failed")
		}
		log.Info().Int("removed", removed).Msg("Swept expired cache entries")
		return
	}

	url := flag.Arg(0)
	if url == "" {
		log.Fatal().Msg("Please specify a URL to fetch")
	}

	res, err := client.Get(url)
	if err != nil {
		log.Fatal().Err(err).Msg("Request failed")
	}
	defer res.Body.Close()

	log.Info().
		Str("status", res.Status).
		Str("cache-status", res.Header.Get("Cache-Status")).
		Msg("Response received")

	if includeHeadersFlag {
		fmt.Printf("%s %s\n", res.Proto, res.Status)
		res.Header.Write(os.Stdout)
		fmt.Println()
	}
	if _, err := io.Copy(os.Stdout, res.Body); err != nil {
		log.Fatal().Err(err).Msg("Cannot read response body")
	}
}
