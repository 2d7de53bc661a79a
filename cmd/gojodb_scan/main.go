// Command gojodb_scan bulk-loads a B-tree file from tab-separated pairs and serves range
// scans over it.
//
//	gojodb_scan build -db data/tree.db -in pairs.tsv
//	gojodb_scan scan -db data/tree.db -from a -from-mode closed -to m -to-mode open -limit 10
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sushant-115/rangescan/core/indexing/btree"
	"github.com/sushant-115/rangescan/core/indexmanager"
	flushmanager "github.com/sushant-115/rangescan/core/write_engine/flush_manager"
	"github.com/sushant-115/rangescan/core/write_engine/memtable"
	"github.com/sushant-115/rangescan/pkg/logger"
	"github.com/sushant-115/rangescan/pkg/telemetry"
	"go.uber.org/zap"
)

const homeSlice = 0

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gojodb_scan <build|scan> [flags]")
	fmt.Fprintln(os.Stderr, "run 'gojodb_scan <command> -h' for the flags of a command")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(ctx, os.Args[2:], os.Stdin)
	case "scan":
		err = runScan(ctx, os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "gojodb_scan %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// env holds the process-wide components shared by both commands.
type env struct {
	cfg      Config
	logger   *zap.Logger
	tel      *telemetry.Telemetry
	shutdown telemetry.ShutdownFunc
}

func newEnv(configPath string) (*env, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return &env{cfg: cfg, logger: log, tel: tel, shutdown: shutdown}, nil
}

func (e *env) close(ctx context.Context) error {
	err := e.shutdown(context.WithoutCancel(ctx))
	_ = e.logger.Sync()
	return err
}

func (e *env) openStorage(path string, create bool) (*flushmanager.DiskManager, *memtable.BufferPoolManager, error) {
	dm, err := flushmanager.NewDiskManager(path, e.cfg.Storage.PageSize, e.logger)
	if err != nil {
		return nil, nil, err
	}
	if _, err := dm.OpenOrCreateFile(create); err != nil {
		return nil, nil, err
	}
	if e.cfg.Storage.BlockCache != nil {
		if err := dm.EnableBlockCache(*e.cfg.Storage.BlockCache); err != nil {
			return nil, nil, errors.Join(err, dm.Close())
		}
	}
	pool, err := memtable.NewBufferPoolManager(e.cfg.Storage.BufferPoolSize, dm, e.logger)
	if err != nil {
		return nil, nil, errors.Join(err, dm.Close())
	}
	return dm, pool, nil
}

func runBuild(ctx context.Context, args []string, stdin io.Reader) (err error) {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	dbPath := fs.String("db", "data/gojodb.db", "tree file to create")
	inPath := fs.String("in", "-", "tab-separated pairs in increasing key order, '-' for stdin")
	configPath := fs.String("config", "", "YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := newEnv(*configPath)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, e.close(ctx)) }()

	in := stdin
	if *inPath != "-" {
		f, err := os.Open(*inPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	dm, pool, err := e.openStorage(*dbPath, true)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, dm.Close()) }()

	b := btree.NewBuilder(pool, dm, e.cfg.Storage.codec(), e.cfg.Storage.Builder, e.logger)
	if _, err := readPairs(in, func(key, value []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return b.Add(key, value)
	}); err != nil {
		return err
	}
	res, err := b.Finish()
	if err != nil {
		return err
	}
	e.logger.Info("tree built",
		zap.String("db", *dbPath),
		zap.Uint64("pairs", res.Pairs),
		zap.Int("height", res.Height),
		zap.Int("pages", res.Pages),
		zap.Uint64("root", uint64(res.RootPageID)),
	)
	return nil
}

func runScan(ctx context.Context, args []string, stdout io.Writer) (err error) {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	dbPath := fs.String("db", "data/gojodb.db", "tree file to scan")
	from := fs.String("from", "", "left bound key")
	fromMode := fs.String("from-mode", "none", "left bound: none, open or closed")
	to := fs.String("to", "", "right bound key")
	toMode := fs.String("to-mode", "none", "right bound: none, open or closed")
	limit := fs.Int("limit", 0, "maximum pairs to print, 0 for all")
	configPath := fs.String("config", "", "YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	leftMode, err := btree.ParseBoundMode(*fromMode)
	if err != nil {
		return err
	}
	rightMode, err := btree.ParseBoundMode(*toMode)
	if err != nil {
		return err
	}
	rng := btree.NewKeyRange([]byte(*from), leftMode, []byte(*to), rightMode)

	e, err := newEnv(*configPath)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, e.close(ctx)) }()

	dm, pool, err := e.openStorage(*dbPath, false)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, dm.Close()) }()

	im, err := indexmanager.NewBTreeIndexManager(homeSlice, pool, e.cfg.Storage.codec(), e.tel, e.logger)
	if err != nil {
		return err
	}
	pairs, err := im.GetRange(ctx, rng, *limit)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(stdout)
	for _, kv := range pairs {
		value, err := e.cfg.Storage.payload(kv.Value)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\n", kv.Key, value)
	}
	return w.Flush()
}
