// Command rabbit downloads a single-file torrent to a local directory.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rabbitdl/rabbit/internal/config"
	"github.com/rabbitdl/rabbit/internal/logging"
	"github.com/rabbitdl/rabbit/internal/meta"
	"github.com/rabbitdl/rabbit/internal/storage"
	"github.com/rabbitdl/rabbit/internal/swarm"
)

const listenPort = 6881

func main() {
	setupLogger()
	config.Init(config.Default())

	outDir := flag.String("out", "", "output directory (default: "+config.Load().DefaultOutputDir+")")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-out dir] <torrent-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *outDir); err != nil {
		slog.Error("download failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(torrentPath, outDir string) error {
	cfg := config.Load()
	if outDir == "" {
		outDir = cfg.DefaultOutputDir
	}

	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	tf, err := meta.ParseMetainfo(data)
	if err != nil {
		return fmt.Errorf("parse metainfo: %w", err)
	}

	slog.Info("loaded torrent",
		"name", tf.Name,
		"length", tf.Length,
		"pieces", tf.PieceCount(),
	)

	outputPath := filepath.Join(outDir, tf.Name)
	store, err := storage.Open(outputPath, tf.Length, tf.PieceLength, tf.PieceHashes)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	peerID, err := newPeerID(cfg.PeerIDPrefix)
	if err != nil {
		return fmt.Errorf("generate peer id: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := swarm.NewDriver(tf.InfoHash, peerID, listenPort, cfg, slog.Default())

	start := time.Now()
	downloadErr := driver.Run(ctx, tf, store)

	elapsed := time.Since(start).Round(time.Millisecond)
	printSummary(tf, store, elapsed, downloadErr)

	return downloadErr
}

func printSummary(tf *meta.TorrentFile, store *storage.Storage, elapsed time.Duration, downloadErr error) {
	saved, total := store.SavedCount(), store.TotalCount()
	if downloadErr == nil {
		color.Green("%s: downloaded %d/%d pieces in %s", tf.Name, saved, total, elapsed)
		return
	}
	color.Red("%s: stopped at %d/%d pieces after %s (%s)", tf.Name, saved, total, elapsed, downloadErr)
}

// newPeerID builds a 20-byte Azureus-style peer id: prefix followed by
// random bytes padding out to 20.
func newPeerID(prefix string) ([20]byte, error) {
	var id [20]byte
	n := copy(id[:], prefix)
	if _, err := rand.Read(id[n:]); err != nil {
		return id, err
	}
	return id, nil
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
