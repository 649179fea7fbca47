// Package scanner provides certificate scanning functionality for the TLS Certificate Monitor.
// It discovers, parses, and analyzes SSL/TLS certificates from configured directories,
// tracking security issues and updating Prometheus metrics.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandonhon/tls-cert-monitor/internal/cache"
	"github.com/brandonhon/tls-cert-monitor/internal/certinfo"
	"github.com/brandonhon/tls-cert-monitor/internal/config"
	"github.com/brandonhon/tls-cert-monitor/internal/discovery"
	"github.com/brandonhon/tls-cert-monitor/internal/metrics"
	"github.com/brandonhon/tls-cert-monitor/internal/parser"
	"go.uber.org/zap"
)

// Snapshot is the result of the most recently completed scan, published
// atomically so /scan and health checks can read it without locking against
// an in-progress scan. Generation increases strictly with every completed
// scan; the aggregator must never observe generation g-1 after g.
type Snapshot struct {
	Generation  uint64
	StartedAt   time.Time
	GeneratedAt time.Time
	Duration    time.Duration
	Records     []*certinfo.Record
	TotalFiles  int
	ParsedCerts int
	ParseErrors int
	WeakKeys    int
	Deprecated  int
}

// Scanner scans directories for SSL/TLS certificates.
type Scanner struct {
	cache    *cache.Cache
	metrics  *metrics.Collector
	logger   *zap.Logger
	snapshot atomic.Pointer[Snapshot]

	cfgMu  sync.RWMutex
	config *config.Config

	// scanMu/running/queued implement single-flight scan coalescing: a
	// scan request while one is already running marks queued instead of
	// starting a second one, and at most one extra run happens once the
	// current scan finishes.
	scanMu  sync.Mutex
	running bool
	queued  bool

	// generation counts started scans (it is bumped at the top of Scan);
	// it is the "generation" surfaced in /scan responses and carried on
	// every published Snapshot.
	generation atomic.Uint64

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a new certificate scanner.
func New(cfg *config.Config, metricsCollector *metrics.Collector, logger *zap.Logger) (*Scanner, error) {
	cacheInstance, err := cache.New(cfg.CacheDir, cfg.CacheTTL, cfg.CacheMaxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	s := &Scanner{
		config:   cfg,
		metrics:  metricsCollector,
		logger:   logger,
		cache:    cacheInstance,
		stopChan: make(chan struct{}),
	}
	s.snapshot.Store(&Snapshot{GeneratedAt: time.Now()})

	return s, nil
}

// Cache exposes the scanner's cache instance, for wiring into the health
// checker and the /cache/* HTTP endpoints.
func (s *Scanner) Cache() *cache.Cache {
	return s.cache
}

// Snapshot returns the result of the most recently completed scan.
func (s *Scanner) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// RequestScan asks for a scan to run, coalescing concurrent requests: if a
// scan is already running, this request is folded into a single follow-up
// run instead of starting a second one in parallel. This is how the file
// watcher and the config watcher ask for a rescan without risking a pile of
// overlapping directory walks during a burst of file events. It returns the
// generation of the scan this request will be served by (a new one if none
// is in flight, or the generation of the queued follow-up scan if this
// request coalesces into it) and whether this call actually started that
// scan or merely coalesced behind one already under way.
func (s *Scanner) RequestScan(ctx context.Context) (generation uint64, started bool) {
	s.scanMu.Lock()
	// generation holds the in-flight scan's number once Scan has started
	// (incremented at the top of Scan), or the last completed scan's
	// number when idle — either way, +1 is the generation this request
	// lands on.
	nextGen := s.generation.Load() + 1
	if s.running {
		if s.queued {
			s.scanMu.Unlock()
			s.logger.Debug("scan already queued, dropping extra request")
			return nextGen, false
		}
		s.queued = true
		s.scanMu.Unlock()
		return nextGen, false
	}
	s.running = true
	s.scanMu.Unlock()

	s.wg.Add(1)
	go s.runCoalesced(ctx)
	return nextGen, true
}

func (s *Scanner) runCoalesced(ctx context.Context) {
	defer s.wg.Done()
	for {
		if err := s.Scan(ctx); err != nil {
			s.logger.Error("scan failed", zap.Error(err))
		}

		s.scanMu.Lock()
		if s.queued {
			s.queued = false
			s.scanMu.Unlock()
			continue
		}
		s.running = false
		s.scanMu.Unlock()
		return
	}
}

// Scan performs one synchronous scan of all configured certificate
// directories, using a fixed worker pool fed by a bounded channel. Callers
// that want automatic coalescing of overlapping requests should use
// RequestScan instead.
func (s *Scanner) Scan(ctx context.Context) error {
	gen := s.generation.Add(1)
	s.logger.Info("Starting certificate scan", zap.Uint64("generation", gen))
	startTime := time.Now()

	cfg := s.currentConfig()

	paths := make(chan string, 2*cfg.Workers)
	results := make(chan *scanResult, 2*cfg.Workers)

	var workersWG sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		workersWG.Add(1)
		go func() {
			defer workersWG.Done()
			for path := range paths {
				results <- s.processFile(cfg, path)
			}
		}()
	}

	done := make(chan struct{})
	var (
		totalFiles  int
		parsedCerts int
		parseErrors int
		weakKeys    int
		deprecated  int
		duplicates  = make(map[string]int)
		allRecords  []*certinfo.Record
	)
	go func() {
		defer close(done)
		for res := range results {
			totalFiles++
			if res.err != nil {
				parseErrors++
				continue
			}
			for _, rec := range res.records {
				parsedCerts++
				if rec.WeakKey {
					weakKeys++
				}
				if rec.DeprecatedSig {
					deprecated++
				}
				duplicates[rec.FingerprintSHA256]++
				allRecords = append(allRecords, rec)
			}
		}
	}()

	s.walkDirectories(ctx, cfg, paths)
	close(paths)
	workersWG.Wait()
	close(results)
	<-done

	s.metrics.ResetCertificateMetrics()
	for _, rec := range allRecords {
		s.publishRecordMetrics(rec)
	}
	for fingerprint, count := range duplicates {
		if count > 1 {
			s.metrics.SetCertDuplicateCount(fingerprint, float64(count))
		}
	}

	s.metrics.SetCertFilesTotal(float64(totalFiles))
	s.metrics.SetCertsParsedTotal(float64(parsedCerts))
	s.metrics.SetCertParseErrorsTotal(float64(parseErrors))
	s.metrics.SetWeakKeyTotal(float64(weakKeys))
	s.metrics.SetDeprecatedSigAlgTotal(float64(deprecated))
	s.metrics.SetScanDuration(time.Since(startTime).Seconds())
	s.metrics.SetLastScanTimestamp(float64(time.Now().Unix()))

	s.snapshot.Store(&Snapshot{
		Generation:  gen,
		StartedAt:   startTime,
		GeneratedAt: time.Now(),
		Duration:    time.Since(startTime),
		Records:     allRecords,
		TotalFiles:  totalFiles,
		ParsedCerts: parsedCerts,
		ParseErrors: parseErrors,
		WeakKeys:    weakKeys,
		Deprecated:  deprecated,
	})

	s.logger.Info("Certificate scan completed",
		zap.Uint64("generation", gen),
		zap.Int("total_files", totalFiles),
		zap.Int("parsed_certs", parsedCerts),
		zap.Int("parse_errors", parseErrors),
		zap.Int("weak_keys", weakKeys),
		zap.Int("deprecated_algorithms", deprecated),
		zap.Duration("duration", time.Since(startTime)))

	return nil
}

type scanResult struct {
	path    string
	records []*certinfo.Record
	err     error
}

// walkDirectories feeds candidate certificate file paths into paths, one
// per certificate directory, honoring exclude directories and context
// cancellation. Symbolic links are followed: a symlinked directory is
// walked at its resolved path, and a symlinked file goes through the
// candidate/root checks under the link's own absolute path (its target's
// contents are what gets read). visited guards against a symlink cycle
// sending the walk into an infinite loop.
func (s *Scanner) walkDirectories(ctx context.Context, cfg *config.Config, paths chan<- string) {
	visited := make(map[string]bool)
	for _, dir := range cfg.CertificateDirectories {
		s.walkOneRoot(ctx, cfg, dir, visited, paths)
	}
}

func (s *Scanner) walkOneRoot(ctx context.Context, cfg *config.Config, dir string, visited map[string]bool, paths chan<- string) {
	realDir := discovery.ResolveSymlink(dir)
	if visited[realDir] {
		return
	}
	visited[realDir] = true

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("Error accessing path", zap.String("path", path), zap.Error(err))
			return nil
		}
		select {
		case <-ctx.Done():
			return filepath.SkipAll
		default:
		}

		if d.Type()&fs.ModeSymlink != 0 {
			resolved := discovery.ResolveSymlink(path)
			info, statErr := osStat(resolved)
			if statErr != nil {
				return nil
			}
			if info.IsDir() {
				s.walkOneRoot(ctx, cfg, resolved, visited, paths)
				return nil
			}
			// Fall through to the regular file handling below, using the
			// symlink's own path (basename-based rules are unaffected by
			// following the link) rather than its resolved target.
		} else if d.IsDir() {
			return nil
		}

		absPath, err := filepath.Abs(path)
		if err != nil {
			absPath = path
		}
		if !discovery.IsCandidate(absPath) {
			return nil
		}
		if !discovery.WithinRoots(absPath, cfg.CertificateDirectories, cfg.ExcludeDirectories) {
			return nil
		}
		paths <- absPath
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to scan directory", zap.String("dir", dir), zap.Error(err))
	}
}

// processFile reads, parses (with cache assistance), and classifies a
// single certificate file.
func (s *Scanner) processFile(cfg *config.Config, path string) *scanResult {
	info, err := osStat(path)
	if err != nil {
		return &scanResult{path: path, err: fmt.Errorf("stat %s: %w", path, err)}
	}

	mtimeNS := info.ModTime().UnixNano()
	sizeBytes := info.Size()

	if cached, ok := s.cache.Get(path, mtimeNS, sizeBytes); ok {
		return &scanResult{path: path, records: []*certinfo.Record{cached}}
	}

	data, err := readCertificateFileSecurely(cfg, path)
	if err != nil {
		return &scanResult{path: path, err: err}
	}

	result := parser.Parse(path, data, cfg.PKCS12Passwords, time.Now())
	if result.Kind == parser.Rejected || len(result.Records) == 0 {
		var perr error
		if result.Err != nil {
			perr = result.Err
		} else {
			perr = fmt.Errorf("no certificates recognized in %s", path)
		}
		return &scanResult{path: path, err: perr}
	}

	// A cache entry holds one record, so only single-record files are
	// cached; bundles are reparsed on every scan to keep all their records.
	if len(result.Records) == 1 {
		s.cache.Put(path, mtimeNS, sizeBytes, result.Records[0])
	}
	return &scanResult{path: path, records: result.Records}
}

// publishRecordMetrics mirrors one classified record into the per-path
// Prometheus gauge families.
func (s *Scanner) publishRecordMetrics(rec *certinfo.Record) {
	s.metrics.SetCertExpiration(rec.SourcePath, rec.Subject, rec.Issuer, float64(rec.NotAfter.Unix()))
	s.metrics.SetCertSANCount(rec.SourcePath, float64(rec.SANCount))
	s.metrics.SetCertInfo(rec.SourcePath, rec.Subject, rec.Issuer, rec.Serial, rec.SigAlgorithm)

	commonName := rec.CommonName
	if commonName == "" {
		commonName = "unknown"
	}
	fileName := filepath.Base(rec.SourcePath)
	s.metrics.SetCertIssuerCodeWithLabels(rec.Issuer, commonName, fileName, float64(rec.IssuerCode))
}

// UpdateConfig swaps in a new configuration, reinitializing the cache if
// its location or limits changed.
func (s *Scanner) UpdateConfig(cfg *config.Config) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	prev := s.config
	s.config = cfg

	if prev.CacheDir != cfg.CacheDir || prev.CacheTTL != cfg.CacheTTL || prev.CacheMaxSize != cfg.CacheMaxSize {
		s.cache.Close()
		newCache, err := cache.New(cfg.CacheDir, cfg.CacheTTL, cfg.CacheMaxSize)
		if err != nil {
			return fmt.Errorf("failed to reinitialize cache: %w", err)
		}
		s.cache = newCache
	}
	return nil
}

func (s *Scanner) currentConfig() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.config
}

// Directories returns the currently configured certificate directories, for
// the watcher package to mirror into fsnotify.
func (s *Scanner) Directories() []string {
	cfg := s.currentConfig()
	return append([]string(nil), cfg.CertificateDirectories...)
}

// InvalidateCache removes a single path from the certificate cache, called
// by the watcher when a file is removed or changed on disk.
func (s *Scanner) InvalidateCache(path string) {
	s.cache.Invalidate(path)
}

// Close shuts down the scanner, waiting for any in-flight coalesced scan to
// finish and flushing the cache to disk.
func (s *Scanner) Close() {
	close(s.stopChan)
	s.wg.Wait()
	s.cache.Close()
}
