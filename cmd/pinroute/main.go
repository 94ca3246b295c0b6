package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pinroute/pinroute"
	"github.com/pinroute/pinroute/capture"
)

const usage = `usage: pinroute [flags] <command> [args]

commands:
  inspect <pcap>   print every ClientHello in a capture with its fingerprints
  prime <pcap>     register the capture's fingerprints in the store
  profiles         print the stored profiles
  rebuild          recompute profiles from the observation log

flags:
`

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML, TOML or JSON config file")
		dbPath     = flag.String("db", "pinroute.db", "bolt database file")
		redisAddr  = flag.String("redis", "", "use the redis backend at this address instead of bolt")
		redisDB    = flag.Int("redis-db", 0, "redis database number")
		prefix     = flag.String("redis-prefix", pinroute.DEFAULT_REDIS_PREFIX, "redis key prefix")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	zcfg := zap.NewProductionConfig()
	if *verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "inspect" {
		if len(args) != 1 {
			flag.Usage()
			os.Exit(2)
		}
		if err := inspect(args[0]); err != nil {
			logger.Fatal("inspect", zap.Error(err))
		}
		return
	}

	switch cmd {
	case "prime", "profiles", "rebuild":
	default:
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := pinroute.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	var backend pinroute.Backend
	if *redisAddr != "" {
		backend, err = pinroute.DialRedisBackend(ctx, *redisAddr, os.Getenv("PINROUTE_REDIS_PASSWORD"), *redisDB, *prefix)
	} else {
		backend, err = pinroute.OpenBoltBackend(*dbPath)
	}
	if err != nil {
		logger.Fatal("open backend", zap.Error(err))
	}

	engine, err := pinroute.New(ctx, cfg, backend, logger, nil)
	if err != nil {
		backend.Close()
		logger.Fatal("create engine", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			logger.Error("close engine", zap.Error(err))
		}
	}()

	switch cmd {
	case "prime":
		if len(args) != 1 {
			logger.Error("prime needs exactly one capture file")
			return
		}
		if _, _, err := capture.Prime(args[0], engine, logger); err != nil {
			logger.Error("prime", zap.Error(err))
		}
	case "profiles":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(engine.Store().Profiles()); err != nil {
			logger.Error("encode profiles", zap.Error(err))
		}
	case "rebuild":
		replayer, ok := backend.(pinroute.ObservationReplayer)
		if !ok {
			logger.Error("backend cannot replay its observation log")
			return
		}
		if _, err := engine.Store().Rebuild(replayer); err != nil {
			logger.Error("rebuild", zap.Error(err))
		}
	}
}

func inspect(path string) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return capture.ReadFile(path, func(h capture.Hello) error {
		d, err := pinroute.Inspect(h.Record)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", h.Addr, err)
			return nil
		}
		d.Fingerprint.ClientAddr = h.Addr
		d.Fingerprint.CreatedAt = h.Seen
		return enc.Encode(d)
	})
}
