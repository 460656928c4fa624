package metrics

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ChildSample is one resource snapshot of the supervised server.
type ChildSample struct {
	PID        int32
	CPUPercent float64
	MemoryMB   float64
	NumThreads int32
	NumFDs     int32
	Timestamp  time.Time
}

// ChildCollector periodically samples the supervised server's resource usage
// and exports it as gauges.
type ChildCollector struct {
	interval time.Duration
	pid      func() int

	mu   sync.Mutex
	last ChildSample
	ok   bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu     prometheus.Gauge
	memory  prometheus.Gauge
	threads prometheus.Gauge
	fds     prometheus.Gauge
}

// NewChildCollector samples the process whose pid is returned by pid. A pid of
// zero means the server is not running and clears the gauges.
func NewChildCollector(interval time.Duration, pid func() int) *ChildCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cliproxyctl",
			Subsystem: "child",
			Name:      name,
			Help:      help,
		})
	}
	return &ChildCollector{
		interval: interval,
		pid:      pid,
		stopCh:   make(chan struct{}),
		cpu:      gauge("cpu_percent", "CPU usage percentage of the supervised server."),
		memory:   gauge("memory_mb", "Resident memory in MB of the supervised server."),
		threads:  gauge("num_threads", "Number of threads of the supervised server."),
		fds:      gauge("num_fds", "Number of file descriptors of the supervised server (Unix only)."),
	}
}

// RegisterMetrics registers the child gauges with r. When another collector
// already registered them, c adopts the existing gauges so that its samples
// are still exported.
func (c *ChildCollector) RegisterMetrics(r prometheus.Registerer) error {
	gauges := []*prometheus.Gauge{&c.cpu, &c.memory, &c.threads}
	if runtime.GOOS != "windows" {
		gauges = append(gauges, &c.fds)
	}
	for _, g := range gauges {
		if err := r.Register(*g); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
					*g = existing
					continue
				}
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (c *ChildCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect()
			}
		}
	}()
}

// Stop stops sampling and waits for the sampler goroutine.
func (c *ChildCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample immediately.
func (c *ChildCollector) Collect() {
	pid := c.pid()
	if pid <= 0 {
		c.reset()
		return
	}
	s, err := sample(int32(pid))
	if err != nil {
		slog.Debug("failed to sample child process", "pid", pid, "error", err)
		c.reset()
		return
	}
	c.cpu.Set(s.CPUPercent)
	c.memory.Set(s.MemoryMB)
	c.threads.Set(float64(s.NumThreads))
	if runtime.GOOS != "windows" {
		c.fds.Set(float64(s.NumFDs))
	}
	c.mu.Lock()
	c.last, c.ok = s, true
	c.mu.Unlock()
}

// Last returns the most recent sample, if any.
func (c *ChildCollector) Last() (ChildSample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.ok
}

func (c *ChildCollector) reset() {
	c.cpu.Set(0)
	c.memory.Set(0)
	c.threads.Set(0)
	c.fds.Set(0)
	c.mu.Lock()
	c.last, c.ok = ChildSample{}, false
	c.mu.Unlock()
}

func sample(pid int32) (ChildSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ChildSample{}, err
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ChildSample{}, err
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	s := ChildSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}
