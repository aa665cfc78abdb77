package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type counterSet struct {
	warns  int64
	errors int64
}

type venueStat struct {
	ok     int64
	failed int64
}

var (
	components    sync.Map // map[string]*counterSet
	venues        sync.Map // map[string]*venueStat
	cycles        int64
	historyWrites int64
	historyRows   int64
	historyPrunes int64
)

func componentCounters(component string) *counterSet {
	v, _ := components.LoadOrStore(component, &counterSet{})
	return v.(*counterSet)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentCounters(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentCounters(component).errors, 1)
}

// IncrementVenueFetch counts one upstream fetch for venue.
func IncrementVenueFetch(venue string, ok bool) {
	v, _ := venues.LoadOrStore(venue, &venueStat{})
	vs := v.(*venueStat)
	if ok {
		atomic.AddInt64(&vs.ok, 1)
		return
	}
	atomic.AddInt64(&vs.failed, 1)
}

func IncrementRefreshCycle() {
	atomic.AddInt64(&cycles, 1)
}

// IncrementHistoryWrite counts one history file rewrite holding rows rows.
func IncrementHistoryWrite(rows int) {
	atomic.AddInt64(&historyWrites, 1)
	atomic.AddInt64(&historyRows, int64(rows))
}

func IncrementHistoryPrune() {
	atomic.AddInt64(&historyPrunes, 1)
}

// StartReport logs a runtime summary every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func snapshotCounters() (map[string]map[string]int64, map[string]map[string]int64) {
	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*counterSet)
		componentData[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	venueData := map[string]map[string]int64{}
	venues.Range(func(k, v any) bool {
		vs := v.(*venueStat)
		venueData[k.(string)] = map[string]int64{
			"ok":     atomic.LoadInt64(&vs.ok),
			"failed": atomic.LoadInt64(&vs.failed),
		}
		return true
	})
	return componentData, venueData
}

func logReport(ctx context.Context, log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	componentData, venueData := snapshotCounters()

	fields := Fields{
		"refresh_cycles": atomic.LoadInt64(&cycles),
		"history_writes": atomic.LoadInt64(&historyWrites),
		"history_rows":   atomic.LoadInt64(&historyRows),
		"history_prunes": atomic.LoadInt64(&historyPrunes),
		"goroutines":     runtime.NumGoroutine(),
		"heap_mb":        int64(mem.HeapAlloc) / 1024 / 1024,
		"components":     componentData,
		"venues":         venueData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("RefreshCycles"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["refresh_cycles"].(int64)))},
		{MetricName: aws.String("HistoryWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["history_writes"].(int64)))},
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(mem.HeapAlloc) / 1024 / 1024)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	}

	for name, stats := range venueData {
		dims := []cwtypes.Dimension{{Name: aws.String("Venue"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("VenueFetchOK"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["ok"]))},
			cwtypes.MetricDatum{MetricName: aws.String("VenueFetchFailed"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["failed"]))},
		)
	}

	publishMetrics(ctx, data)
}
