// Command anyblob-bench drives a synthetic PUT/GET workload against a
// provider URL and reports throughput, exercising the public anyblob
// surface the way cmd/cli's object commands exercise api.GetArgs/PutArgs.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/durner/anyblob-go"
	"github.com/durner/anyblob-go/internal/config"
	"github.com/durner/anyblob-go/internal/resolver"
	"github.com/durner/anyblob-go/internal/xlog"
	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"
)

var (
	urlFlag = cli.StringFlag{
		Name:  "url",
		Usage: "provider URL, e.g. s3://bucket, azure://account/container, http://host/bucket",
	}
	keyPrefixFlag = cli.StringFlag{
		Name:  "key-prefix",
		Usage: "object key prefix for generated benchmark keys",
		Value: "anyblob-bench",
	}
	sizeFlag = cli.Int64Flag{
		Name:  "size",
		Usage: "object size in bytes",
		Value: 1 << 20,
	}
	countFlag = cli.IntFlag{
		Name:  "count",
		Usage: "number of objects to put and get",
		Value: 16,
	}
	concurrencyFlag = cli.IntFlag{
		Name:  "concurrency",
		Usage: "retriever_count: worker goroutines driving the request queue",
		Value: 4,
	}
	bandwidthFlag = cli.Uint64Flag{
		Name:  "bandwidth",
		Usage: "per-worker pacing ceiling in bytes/sec (0 = unbounded)",
	}
	quietFlag = cli.BoolFlag{
		Name:  "quiet",
		Usage: "suppress the progress bars",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "anyblob-bench"
	app.Usage = "benchmark PUT/GET throughput against an anyblob provider"
	app.Flags = []cli.Flag{urlFlag, keyPrefixFlag, sizeFlag, countFlag, concurrencyFlag, bandwidthFlag, quietFlag}
	app.Action = runBench

	if err := app.Run(os.Args); err != nil {
		xlog.Errorf("anyblob-bench: %v", err)
		os.Exit(1)
	}
}

func runBench(c *cli.Context) error {
	rawurl := c.String(urlFlag.Name)
	if rawurl == "" {
		return cli.NewExitError("missing required --url", 1)
	}
	count := c.Int(countFlag.Name)
	size := c.Int64(sizeFlag.Name)
	keyPrefix := c.String(keyPrefixFlag.Name)
	concurrency := c.Int(concurrencyFlag.Name)
	bandwidth := c.Uint64(bandwidthFlag.Name)

	grp, err := anyblob.NewWorkerGroup(
		withRetrieverCount(config.DefaultWorkerGroupConfig(), concurrency),
		config.DefaultTCPSettings(),
		defaultResolverFactory,
		nil,
	)
	if err != nil {
		return fmt.Errorf("build worker group: %w", err)
	}
	if bandwidth > 0 {
		grp.SetInstanceBandwidth(bandwidth)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- grp.RunAll(runCtx, concurrency) }()

	p, err := anyblob.NewProvider(rawurl, anyblob.WithWorkerGroup(grp))
	if err != nil {
		cancel()
		return fmt.Errorf("new provider: %w", err)
	}

	var progress *mpb.Progress
	var putBar, getBar *mpb.Bar
	if !c.Bool(quietFlag.Name) {
		progress = mpb.New(mpb.WithWidth(64))
		putBar = newBar(progress, "PUT", count)
		getBar = newBar(progress, "GET", count)
	}

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	putStart := time.Now()
	for i := 0; i < count; i++ {
		key := fmt.Sprintf("%s-%04d", keyPrefix, i)
		if _, err := p.PutRequest(key, payload); err != nil {
			cancel()
			return fmt.Errorf("put %s: %w", key, err)
		}
		if putBar != nil {
			putBar.IncrBy(1)
		}
	}
	putElapsed := time.Since(putStart)

	getStart := time.Now()
	for i := 0; i < count; i++ {
		key := fmt.Sprintf("%s-%04d", keyPrefix, i)
		body, err := p.GetRequest(key, nil)
		if err != nil {
			cancel()
			return fmt.Errorf("get %s: %w", key, err)
		}
		if int64(len(body)) != size {
			cancel()
			return fmt.Errorf("get %s: got %d bytes, want %d", key, len(body), size)
		}
		if getBar != nil {
			getBar.IncrBy(1)
		}
	}
	getElapsed := time.Since(getStart)

	if progress != nil {
		progress.Wait()
	}
	cancel()
	<-runDone

	total := int64(count) * size
	fmt.Printf("PUT: %d objects, %d bytes, %.2f MiB/s\n", count, total, throughputMiBs(total, putElapsed))
	fmt.Printf("GET: %d objects, %d bytes, %.2f MiB/s\n", count, total, throughputMiBs(total, getElapsed))
	return nil
}

func withRetrieverCount(cfg config.WorkerGroupConfig, retrieverCount int) config.WorkerGroupConfig {
	cfg.RetrieverCount = retrieverCount
	return cfg
}

func defaultResolverFactory() (resolver.Resolver, resolver.Policy) {
	return resolver.NewSingleflightResolver(net.DefaultResolver), resolver.NoopPolicy{}
}

func newBar(progress *mpb.Progress, label string, total int) *mpb.Bar {
	return progress.AddBar(int64(total),
		mpb.PrependDecorators(decor.Name(label+" ")),
		mpb.AppendDecorators(decor.Percentage()),
	)
}

func throughputMiBs(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / (1024 * 1024) / elapsed.Seconds()
}
