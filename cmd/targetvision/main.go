package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	targetvision "github.com/shelbyklein/targetvision-sub000"
	"github.com/shelbyklein/targetvision-sub000/config"
	"github.com/shelbyklein/targetvision-sub000/internal/logger"
	"github.com/shelbyklein/targetvision-sub000/search"
	"github.com/shelbyklein/targetvision-sub000/store"
)

var (
	libraryPath = flag.String("library", "", "Path to a photo directory to register and enqueue")
	processFlag = flag.Bool("process", false, "Drain the pending queue")
	idsFlag     = flag.String("ids", "", "Comma separated photo ids to process as a batch")
	enqueueFlag = flag.String("enqueue", "", "Comma separated photo ids to enqueue without processing")
	priority    = flag.Int("priority", 0, "Queue priority for -library and -enqueue")
	statusFlag  = flag.Bool("status", false, "Print queue counts")
	resetFailed = flag.Bool("reset-failed", false, "Return failed queue items to pending")

	query   = flag.String("query", "", "Semantic search query")
	similar = flag.String("similar", "", "Photo id to find similar photos for")
	hybrid  = flag.String("hybrid", "", "Hybrid search query")
	count   = flag.Int("count", -1, "Number of photos to process with -ids, or search results to return")
	minSim  = flag.Float64("min-similarity", 0, "Similarity threshold override for searches")

	provider    = flag.String("provider", "", "Vision provider, anthropic or openai")
	concurrency = flag.Int("concurrency", 0, "Concurrent photos per group")
	storeDriver = flag.String("store", "", "Storage driver, sqlite or postgres")
	dbPath      = flag.String("db", "", "Path to the sqlite database")
	dsn         = flag.String("dsn", "", "Postgres connection string")
	metricsAddr = flag.String("metrics", "", "Address for the Prometheus /metrics listener, e.g. :9090")

	lameduck bool
	bar      *progressbar.ProgressBar
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".heic": true,
}

func findImageFiles(root string) ([]string, error) {
	var photos []string

	err := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if imageExts[strings.ToLower(filepath.Ext(path))] {
			photos = append(photos, path)
		}
		return nil
	})

	return photos, err
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func newBar(n int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		n,
		progressbar.OptionSetDescription(description),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)
}

func runLibrary(ctx context.Context, tv *targetvision.TargetVision) error {
	paths, err := findImageFiles(*libraryPath)
	if err != nil {
		return err
	}
	fmt.Printf("Found %d images on disk\n", len(paths))

	photos := make([]store.Photo, len(paths))
	for i, path := range paths {
		_, fname := filepath.Split(path)
		photos[i] = store.Photo{
			ID:       path,
			ImageURL: path,
			Title:    strings.TrimSuffix(fname, filepath.Ext(fname)),
			Filename: fname,
		}
	}

	added, err := tv.RegisterPhotos(ctx, photos)
	if err != nil {
		return err
	}
	fmt.Printf("Added %d new photos\n", added)

	if err := tv.Enqueue(ctx, paths, *priority); err != nil {
		return err
	}
	fmt.Println("Queued, run with -process to describe them")
	return nil
}

// Processing photos requires the vision provider. checkProvider resolves the
// requested describer and confirms it answers before any photo is claimed.
func checkProvider(ctx context.Context, tv *targetvision.TargetVision) error {
	d, err := tv.Describer(*provider)
	if err != nil {
		return err
	}
	if !d.Healthy(ctx) {
		return fmt.Errorf("provider %s is not responding", d.Name())
	}
	return nil
}

func runBatch(ctx context.Context, tv *targetvision.TargetVision) error {
	if err := checkProvider(ctx, tv); err != nil {
		return err
	}

	ids := splitIDs(*idsFlag)
	if *count > -1 {
		ids = ids[:min(len(ids), *count)]
	}
	fmt.Printf("%d photos to process\n", len(ids))

	bar = newBar(len(ids), "Processing photos")
	results, err := tv.ProcessBatch(ctx, ids, *concurrency, *provider)
	if err != nil {
		return err
	}
	bar.Finish()

	var failed int
	for _, r := range results {
		if r.Error != "" {
			failed++
			fmt.Printf("failed %s: %s\n", r.PhotoID, r.Error)
		}
	}
	fmt.Printf("%d completed, %d failed\n", len(results)-failed, failed)
	return nil
}

func runProcess(ctx context.Context, tv *targetvision.TargetVision) error {
	if err := checkProvider(ctx, tv); err != nil {
		return err
	}

	counts, err := tv.QueueStatus(ctx)
	if err != nil {
		return err
	}
	pending := counts[store.StatusPending]
	if pending == 0 {
		fmt.Println("Queue is empty")
		return nil
	}
	fmt.Printf("%d photos pending\n", pending)

	bar = newBar(pending, "Processing queue")
	n, err := tv.RunQueue(ctx, *provider)
	bar.Finish()
	if err != nil {
		return err
	}
	fmt.Printf("Processed %d photos\n", n)
	return nil
}

func printResults(results []search.Result) {
	if len(results) == 0 {
		fmt.Println("No matches")
		return
	}
	for i, r := range results {
		fmt.Printf("Idx %d    Score=%0.5f\nPhoto=%q\nDescription=%q\n", i+1, r.Score, r.Metadata.PhotoID, r.Metadata.Description)
		if i < len(results)-1 {
			fmt.Println("==========")
		}
	}
}

func run(ctx context.Context, tv *targetvision.TargetVision) error {
	switch {
	case *libraryPath != "":
		return runLibrary(ctx, tv)
	case *enqueueFlag != "":
		ids := splitIDs(*enqueueFlag)
		if err := tv.Enqueue(ctx, ids, *priority); err != nil {
			return err
		}
		fmt.Printf("Enqueued %d photos\n", len(ids))
		return nil
	case *resetFailed:
		n, err := tv.ResetFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Reset %d failed photos to pending\n", n)
		return nil
	case *statusFlag:
		counts, err := tv.QueueStatus(ctx)
		if err != nil {
			return err
		}
		for _, s := range []store.Status{store.StatusPending, store.StatusProcessing, store.StatusCompleted, store.StatusFailed} {
			fmt.Printf("%-12s %d\n", s, counts[s])
		}
		return nil
	case *query != "":
		results, err := tv.SearchByText(ctx, *query, *count, *minSim)
		if err != nil {
			return err
		}
		printResults(results)
		return nil
	case *similar != "":
		results, err := tv.SearchSimilar(ctx, *similar, *count, *minSim)
		if err != nil {
			return err
		}
		printResults(results)
		return nil
	case *hybrid != "":
		results, err := tv.HybridSearch(ctx, *hybrid, *count)
		if err != nil {
			return err
		}
		printResults(results)
		return nil
	case *idsFlag != "":
		return runBatch(ctx, tv)
	case *processFlag:
		return runProcess(ctx, tv)
	}

	flag.Usage()
	return nil
}

func sighandler(ch chan os.Signal, cancel context.CancelFunc) {
	for {
		<-ch
		if lameduck {
			// Already in lame duck, hard stop
			fmt.Println("Exiting")
			os.Exit(1)
		} else {
			fmt.Println("SIGINT received, finishing in-flight photos...")
			lameduck = true
			cancel()
		}
	}
}

func main() {
	flag.Parse()

	var nq int
	for _, s := range []string{*query, *similar, *hybrid} {
		if s != "" {
			nq++
		}
	}
	if nq > 1 {
		// Searches have to act alone
		flag.Usage()
		os.Exit(1)
	}

	// Best effort, the environment may already carry everything.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if *concurrency > 0 {
		cfg.Queue.Concurrency = *concurrency
	}
	if *storeDriver != "" {
		cfg.Store.Driver = *storeDriver
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}

	zlog, err := logger.New()
	if err != nil {
		log.Fatal(err)
	}
	defer zlog.Sync()

	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	go sighandler(sigch, cancel)

	tv, err := targetvision.Init(ctx, targetvision.InitOptions{
		Config: cfg,
		Logger: zlog,
		OnOutcome: func(targetvision.BatchResult) {
			if bar != nil {
				bar.Add(1)
			}
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer tv.Close()

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				zlog.Warn("metrics listener", zap.Error(err))
			}
		}()
	}

	if err := run(ctx, tv); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
