package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream     int64
	errorsDispatch   int64
	warnsStream      int64
	warnsDispatch    int64
	streamFills      int64
	polledFills      int64
	notificationsOut int64
	notificationsDry int64
	stateSaves       int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "poller") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "dispatch") || strings.Contains(component, "telegram") {
		atomic.AddInt64(&warnsDispatch, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "poller") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "dispatch") || strings.Contains(component, "telegram") {
		atomic.AddInt64(&errorsDispatch, 1)
	}
}

// IncrementStreamFill records a fill received over the live stream.
func IncrementStreamFill(size int) {
	atomic.AddInt64(&streamFills, 1)
	recordChannel("stream_ws", size)
}

// IncrementPolledFill records a fill returned by the backup poll.
func IncrementPolledFill(size int) {
	atomic.AddInt64(&polledFills, 1)
	recordChannel("poll_rest", size)
}

// IncrementNotificationSent records a delivered notification.
func IncrementNotificationSent(size int) {
	atomic.AddInt64(&notificationsOut, 1)
	recordChannel("notify_send", size)
}

// IncrementNotificationDropped records a notification abandoned after
// exhausted retries.
func IncrementNotificationDropped() {
	atomic.AddInt64(&notificationsDry, 1)
}

// IncrementStateSave records a successful state file replace.
func IncrementStateSave(size int) {
	atomic.AddInt64(&stateSaves, 1)
	recordChannel("state_file", size)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_stream":         atomic.LoadInt64(&errorsStream),
		"errors_dispatch":       atomic.LoadInt64(&errorsDispatch),
		"warns_stream":          atomic.LoadInt64(&warnsStream),
		"warns_dispatch":        atomic.LoadInt64(&warnsDispatch),
		"stream_fills":          atomic.LoadInt64(&streamFills),
		"polled_fills":          atomic.LoadInt64(&polledFills),
		"notifications_sent":    atomic.LoadInt64(&notificationsOut),
		"notifications_dropped": atomic.LoadInt64(&notificationsDry),
		"state_saves":           atomic.LoadInt64(&stateSaves),
		"goroutines":            runtime.NumGoroutine(),
		"cpu_percent":           cpuPct,
		"memory_mb":             int64(memStats.Used) / 1024 / 1024,
		"disk_mb":               int64(diskStats.Used) / 1024 / 1024,
		"channels":              channelData,
		"net_bytes_sent":        int64(bytesSent),
		"net_bytes_recv":        int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsDispatch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_dispatch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsDispatch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_dispatch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StreamFills"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stream_fills"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("PolledFills"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["polled_fills"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NotificationsSent"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["notifications_sent"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NotificationsDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["notifications_dropped"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StateSaves"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["state_saves"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
