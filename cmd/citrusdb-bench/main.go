package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/citrusdb/citrusdb-go"
	"github.com/citrusdb/citrusdb-go/internal/logging"
)

func main() {
	var (
		host        = pflag.StringP("host", "h", "127.0.0.1", "seed node host")
		port        = pflag.IntP("port", "p", 3000, "seed node port")
		namespace   = pflag.StringP("namespace", "n", "test", "namespace")
		set         = pflag.StringP("set", "s", "set", "set name")
		bin         = pflag.StringP("bin", "b", "value", "bin name")
		nThreads    = pflag.IntP("threads", "t", 32, "concurrent in-flight requests")
		nKeys       = pflag.IntP("keys", "k", 100000, "number of distinct keys")
		keyLen      = pflag.IntP("keylen", "K", 10, "key string length")
		valueLen    = pflag.IntP("valuelen", "V", 20, "value string length")
		timeoutMs   = pflag.Int64P("timeout", "m", 200, "per-request timeout in milliseconds")
		writeRatio  = pflag.Float64P("write-ratio", "w", 0.1, "fraction of requests that are writes")
		verbose     = pflag.BoolP("verbose", "v", false, "verbose logging")
		seed        = pflag.Int64P("seed", "r", 0, "random seed (0 = time-based)")
	)
	pflag.Parse()

	logCfg := logging.DefaultConfig()
	if *verbose {
		logCfg.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logCfg)
	logging.SetDefault(logger)

	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(rngSeed))

	seedAddr := fmt.Sprintf("%s:%d", *host, *port)
	client, err := citrusdb.Open(citrusdb.DefaultConfig(seedAddr))
	if err != nil {
		logger.Errorf("failed to open client: %v", err)
		os.Exit(1)
	}
	defer client.Close()

	logger.Infof("starting load: seed=%s namespace=%s threads=%d keys=%d", seedAddr, *namespace, *nThreads, *nKeys)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reads, writes, errs atomic.Int64
	tokens := make(chan struct{}, *nThreads)
	for i := 0; i < *nThreads; i++ {
		tokens <- struct{}{}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snap := client.Metrics()
				fmt.Fprintf(os.Stderr, "bench: reads=%d writes=%d errors=%d avg_latency=%s p99=%s\n",
					reads.Load(), writes.Load(), errs.Load(),
					time.Duration(snap.AvgLatencyNs), time.Duration(snap.LatencyP99Ns))
			case <-statsDone:
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-sigCh:
			break loop
		case <-ctx.Done():
			break loop
		case <-tokens:
		}

		key := citrusdb.String(randomString(rng, *keyLen, rngSeed, int(*nKeys)))

		if rng.Float64() < *writeRatio {
			val := randomString(rng, *valueLen, rngSeed, 0)
			err := client.Put(*namespace, *set, key, []citrusdb.Bin{{Name: *bin, Value: citrusdb.String(val)}}, nil, *timeoutMs, func(r citrusdb.Record) {
				if r.Code != citrusdb.ResultOK {
					errs.Add(1)
				} else {
					writes.Add(1)
				}
				tokens <- struct{}{}
			})
			if err != nil {
				errs.Add(1)
				tokens <- struct{}{}
			}
		} else {
			err := client.GetAll(*namespace, *set, key, *timeoutMs, func(r citrusdb.Record) {
				if r.Code != citrusdb.ResultOK && r.Code != citrusdb.ResultNotFound {
					errs.Add(1)
				} else {
					reads.Add(1)
				}
				tokens <- struct{}{}
			})
			if err != nil {
				errs.Add(1)
				tokens <- struct{}{}
			}
		}
	}

	close(statsDone)
	logger.Infof("shutting down: reads=%d writes=%d errors=%d", reads.Load(), writes.Load(), errs.Load())
}

// randomString returns a deterministic-per-index key when nKeys > 0 (so
// reads can hit keys a prior write populated), "k" plus the index
// zero-padded to length, or a fresh random string for value payloads
// when nKeys == 0.
func randomString(rng *rand.Rand, length int, seed int64, nKeys int) string {
	if nKeys > 0 {
		idx := rng.Intn(nKeys)
		digits := strconv.Itoa(idx)
		for len(digits)+1 < length {
			digits = "0" + digits
		}
		return "k" + digits
	}
	var sb strings.Builder
	sb.Grow(length)
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for i := 0; i < length; i++ {
		sb.WriteByte(alphabet[rng.Intn(len(alphabet))])
	}
	return sb.String()
}
