// File path: internal/common/telemetry/telemetry.go
package telemetry

import (
	"context"
	"expvar"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/railforge/tracklayout/internal/common"
)

type spanKey struct{}

type span struct {
	name  string
	start time.Time
}

type MemoryLimitError struct {
	Component string
	Usage     uint64
	Limit     uint64
}

func (e MemoryLimitError) Error() string {
	return fmt.Sprintf("memory limit exceeded for %s: %d > %d", e.Component, e.Usage, e.Limit)
}

var (
	initOnce sync.Once

	geocodingContextTotal *expvar.Int
	addressDiffTotal      *expvar.Int
	changesLatencyMS      *expvar.Int

	publicationTotal     *expvar.Map
	publicationLatencyMS *expvar.Map
	publishedAssetsTotal *expvar.Int

	validationIssueTotal *expvar.Map

	memoryLimitBytes uint64
	memoryLimitVar   *expvar.Int
	memoryUsageVar   *expvar.Int
)

func ensureInit() {
	initOnce.Do(func() {
		geocodingContextTotal = expvar.NewInt("tracklayout_geocoding_contexts_total")
		addressDiffTotal = expvar.NewInt("tracklayout_address_diffs_total")
		changesLatencyMS = expvar.NewInt("tracklayout_calculated_changes_latency_ms")

		publicationTotal = expvar.NewMap("tracklayout_publications_total")
		publicationLatencyMS = expvar.NewMap("tracklayout_publication_latency_ms")
		publishedAssetsTotal = expvar.NewInt("tracklayout_published_assets_total")

		validationIssueTotal = expvar.NewMap("tracklayout_validation_issues_total")

		memoryLimitVar = expvar.NewInt("tracklayout_memory_limit_bytes")
		memoryUsageVar = expvar.NewInt("tracklayout_memory_usage_bytes")

		memoryLimitBytes = loadMemoryLimit()
		memoryLimitVar.Set(int64(memoryLimitBytes))
	})
}

func loadMemoryLimit() uint64 {
	limit := strings.TrimSpace(os.Getenv("TRACKLAYOUT_MEMORY_LIMIT_BYTES"))
	if limit != "" {
		if value, err := strconv.ParseUint(limit, 10, 64); err == nil {
			return value
		}
	}
	if limitMB := strings.TrimSpace(os.Getenv("TRACKLAYOUT_MEMORY_LIMIT_MB")); limitMB != "" {
		if value, err := strconv.ParseUint(limitMB, 10, 64); err == nil {
			return value * 1024 * 1024
		}
	}
	return 0
}

func StartSpan(ctx context.Context, name string) (context.Context, func(attrs ...interface{})) {
	ensureInit()
	sp := &span{name: name, start: time.Now()}
	ctx = context.WithValue(ctx, spanKey{}, sp)
	logger := common.Logger()
	logger.Debug("trace: start", "span", name)
	return ctx, func(attrs ...interface{}) {
		if sp == nil {
			return
		}
		duration := time.Since(sp.start)
		logger.Debug("trace: end", append([]interface{}{"span", name, "dur", duration}, attrs...)...)
	}
}

// RecordGeocodingContext counts one built geocoding context.
func RecordGeocodingContext() {
	ensureInit()
	geocodingContextTotal.Add(1)
}

// RecordCalculatedChanges counts one cascade engine run over the given number
// of directly named entities.
func RecordCalculatedChanges(entities int, duration time.Duration) {
	ensureInit()
	if entities > 0 {
		addressDiffTotal.Add(int64(entities))
	}
	if duration > 0 {
		changesLatencyMS.Add(duration.Milliseconds())
	}
}

// RecordPublication counts one committed publication under its cause.
func RecordPublication(cause string, assets int, duration time.Duration) {
	ensureInit()
	key := strings.TrimSpace(strings.ToLower(cause))
	if key == "" {
		key = "unknown"
	}
	publicationTotal.Add(key, 1)
	if duration > 0 {
		publicationLatencyMS.Add(key, duration.Milliseconds())
	}
	if assets > 0 {
		publishedAssetsTotal.Add(int64(assets))
	}
}

// RecordValidationIssues counts issues of one severity found during a
// validation run.
func RecordValidationIssues(severity string, count int) {
	ensureInit()
	if count <= 0 {
		return
	}
	key := strings.TrimSpace(strings.ToLower(severity))
	if key == "" {
		key = "unknown"
	}
	validationIssueTotal.Add(key, int64(count))
}

func CheckMemoryBudget(component string) error {
	ensureInit()
	if memoryLimitBytes == 0 {
		updateMemoryUsage()
		return nil
	}
	usage := updateMemoryUsage()
	if usage > memoryLimitBytes {
		err := MemoryLimitError{Component: component, Usage: usage, Limit: memoryLimitBytes}
		common.Logger().Warn("telemetry: memory guard tripped", "component", component, "usage", usage, "limit", memoryLimitBytes)
		return err
	}
	return nil
}

func updateMemoryUsage() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	usage := stats.Alloc
	memoryUsageVar.Set(int64(usage))
	return usage
}

func SpanDuration(ctx context.Context) time.Duration {
	sp, _ := ctx.Value(spanKey{}).(*span)
	if sp == nil {
		return 0
	}
	return time.Since(sp.start)
}
