// lensdb is the command-line interface to the micro-lensing detection
// store. It only calls the five public operations of the lensdb package.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/xtxerr/lensdb"
	"github.com/xtxerr/lensdb/internal/logging"
)

const usage = `Usage: lensdb [options] <command>

Commands:
  init      Initialize a new detection store in DIR and run a first update
  update    Update an existing detection store in DIR
  status    Show the status of the detection store in DIR
  reset     Delete and reinitialize an existing detection store in DIR
  shell     Start an interactive SQL shell over the master store in DIR

Options:
`

func main() {
	dir := flag.String("dir", ".", "detection store directory to use")
	maxUnits := flag.Int("n", 0, "number of exposure units to use (0 = all)")
	cfgPath := flag.String("config", "", "optional config file path")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	jsonLog := flag.Bool("json-log", false, "log as JSON")
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Printf("lensdb v%s\n", lensdb.Version)
		return
	}

	logging.Init(parseLevel(*logLevel), *jsonLog)

	rootDir, err := filepath.Abs(*dir)
	if err != nil {
		fatal("resolve dir: %v", err)
	}
	if _, err := os.Stat(rootDir); err != nil {
		fatal("provided dir %q does not exist", rootDir)
	}

	cfg := lensdb.DefaultConfig(rootDir)
	if *cfgPath != "" {
		cfg, err = lensdb.LoadConfig(*cfgPath, rootDir)
		if err != nil {
			fatal("load config: %v", err)
		}
	}
	cfg.MaxUnits = *maxUnits

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	// SIGINT cancels processing gracefully: shards already written are
	// still merged before the update returns.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch flag.Arg(0) {
	case "init":
		res, err := lensdb.Init(ctx, cfg)
		if err != nil {
			fatal("%v", err)
		}
		printResult(res)

	case "update":
		res, err := lensdb.Update(ctx, cfg)
		if err != nil {
			fatal("%v", err)
		}
		printResult(res)

	case "status":
		st, err := lensdb.GetStatus(cfg)
		if err != nil {
			fatal("%v", err)
		}
		printStatus(st)

	case "reset":
		res, err := lensdb.Reset(ctx, cfg)
		if err != nil {
			fatal("%v", err)
		}
		printResult(res)

	case "shell":
		if err := runShell(cfg); err != nil {
			fatal("%v", err)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	os.Exit(1)
}

func printResult(res *lensdb.UpdateResult) {
	fmt.Printf("Found %d exposure units: %d new, %d outdated, %d unchanged, %d leftover shards.\n",
		res.Found, res.New, res.Outdated, res.Unchanged, res.Leftover)
	if res.Skipped > 0 {
		fmt.Printf("Skipped %d units that failed validation.\n", res.Skipped)
	}
	if res.Canceled {
		fmt.Println("Processing was interrupted; shards written so far were merged.")
	}
	if res.UpToDate() {
		fmt.Println("Store is already up-to-date.")
		return
	}
	fmt.Printf("Merged %d shards in %d batches.\n", res.MergedShards, res.MergedBatches)
}

func printStatus(st *lensdb.Status) {
	fmt.Println("STORE STATUS")
	fmt.Println("============")
	fmt.Printf("Directory     %s\n", st.RootDir)
	if !st.Exists {
		fmt.Printf("Store         N/A\n")
		return
	}
	fmt.Printf("Store         %s\n", st.StoreDir)
	fmt.Printf("Version       %s\n", st.Version)
	fmt.Printf("Size          %s\n", humanSize(st.MasterSize))
	if !st.LastUpdated.IsZero() {
		fmt.Printf("Last updated  %s\n", st.LastUpdated.Format(time.RFC1123))
	}
	fmt.Printf("Exposures     %d\n", st.Exposures)
	fmt.Printf("Objects       %d\n", st.Objects)
	if st.PendingShards > 0 {
		fmt.Printf("Pending       %d shards (interrupted update; run 'lensdb update')\n",
			st.PendingShards)
	}
	if m := st.Magnitudes; m != nil {
		fmt.Printf("Magnitude     n=%d min=%.3f p50=%.3f p90=%.3f p99=%.3f max=%.3f\n",
			m.Count, m.Min, m.P50, m.P90, m.P99, m.Max)
	}
}

var sizeSuffixes = []string{"bytes", "KiB", "MiB", "GiB", "TiB", "PiB"}

func humanSize(n int64) string {
	if n <= 0 {
		return "0 bytes"
	}
	order := 0
	v := float64(n)
	for v >= 1024 && order < len(sizeSuffixes)-1 {
		v /= 1024
		order++
	}
	if order == 0 {
		return fmt.Sprintf("%d bytes", n)
	}
	return fmt.Sprintf("%.1f %s", v, sizeSuffixes[order])
}
