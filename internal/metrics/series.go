package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/noxlabs/nox/internal/common/errdefs"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// Interval is the bucketing granularity of a time-series query.
type Interval string

const (
	IntervalMinute Interval = "minute"
	IntervalHour   Interval = "hour"
	IntervalDay    Interval = "day"
)

// ParseInterval validates the query parameter; empty defaults to minute.
func ParseInterval(raw string) (Interval, error) {
	switch Interval(raw) {
	case "", IntervalMinute:
		return IntervalMinute, nil
	case IntervalHour:
		return IntervalHour, nil
	case IntervalDay:
		return IntervalDay, nil
	}
	return "", errdefs.Invalid("interval must be minute, hour or day")
}

// Duration returns the bucket width.
func (i Interval) Duration() time.Duration {
	switch i {
	case IntervalHour:
		return time.Hour
	case IntervalDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// SystemPoint aggregates one bucket of the system series.
type SystemPoint struct {
	Timestamp         time.Time `json:"timestamp"`
	Samples           int       `json:"samples"`
	AgentsTotal       int       `json:"agents_total"`
	AgentsRunning     int       `json:"agents_running"`
	TasksTotal        int       `json:"tasks_total"`
	QueueLengthMax    int       `json:"queue_length_max"`
	MessagesPerMinute float64   `json:"messages_per_minute"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryMB          float64   `json:"memory_mb"`
}

// AgentPoint aggregates one bucket of a per-agent series.
type AgentPoint struct {
	Timestamp  time.Time      `json:"timestamp"`
	Samples    int            `json:"samples"`
	Status     v1.AgentStatus `json:"status"`
	CPUPercent float64        `json:"cpu_percent"`
	MemoryMB   float64        `json:"memory_mb"`
	TasksTotal int            `json:"tasks_total"`
	TasksDone  int            `json:"tasks_done"`
}

// SystemSeries answers a bucketed query over the system series. Counters
// report the last sample of the bucket, gauges the average, the queue
// length its maximum.
func (s *Sampler) SystemSeries(start, end time.Time, interval Interval) ([]SystemPoint, error) {
	samples, err := readSeries[SystemSample](s.systemPath())
	if err != nil {
		return nil, err
	}

	buckets := make(map[time.Time]*SystemPoint)
	for _, sample := range samples {
		if !within(sample.Timestamp, start, end) {
			continue
		}
		key := sample.Timestamp.Truncate(interval.Duration())
		point, ok := buckets[key]
		if !ok {
			point = &SystemPoint{Timestamp: key}
			buckets[key] = point
		}
		point.Samples++
		point.AgentsTotal = sample.AgentsTotal
		point.AgentsRunning = sample.AgentsRunning
		point.TasksTotal = sample.TasksTotal
		if sample.QueueLength > point.QueueLengthMax {
			point.QueueLengthMax = sample.QueueLength
		}
		point.MessagesPerMinute += sample.MessagesPerMinute
		point.CPUPercent += sample.CPUPercent
		point.MemoryMB += sample.MemoryMB
	}

	out := make([]SystemPoint, 0, len(buckets))
	for _, point := range buckets {
		n := float64(point.Samples)
		point.MessagesPerMinute /= n
		point.CPUPercent /= n
		point.MemoryMB /= n
		out = append(out, *point)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Timestamp.Before(out[k].Timestamp) })
	return out, nil
}

// AgentSeries answers a bucketed query over one agent's series.
func (s *Sampler) AgentSeries(agentID string, start, end time.Time, interval Interval) ([]AgentPoint, error) {
	samples, err := readSeries[AgentSample](s.agentPath(agentID))
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errdefs.NotFound("no metrics for agent %s", agentID)
	}

	buckets := make(map[time.Time]*AgentPoint)
	for _, sample := range samples {
		if !within(sample.Timestamp, start, end) {
			continue
		}
		key := sample.Timestamp.Truncate(interval.Duration())
		point, ok := buckets[key]
		if !ok {
			point = &AgentPoint{Timestamp: key}
			buckets[key] = point
		}
		point.Samples++
		point.Status = sample.Status
		point.CPUPercent += sample.CPUPercent
		point.MemoryMB += sample.MemoryMB
		point.TasksTotal = sample.TasksTotal
		point.TasksDone = sample.TasksDone
	}

	out := make([]AgentPoint, 0, len(buckets))
	for _, point := range buckets {
		n := float64(point.Samples)
		point.CPUPercent /= n
		point.MemoryMB /= n
		out = append(out, *point)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Timestamp.Before(out[k].Timestamp) })
	return out, nil
}

func within(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}

func readSeries[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.External("read metrics series", err)
	}
	var series []T
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, errdefs.External("decode metrics series", err)
	}
	return series, nil
}
