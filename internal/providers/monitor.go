package providers

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// monitorInterval is how often a watched pod is polled.
const monitorInterval = 5 * time.Second

// StatusFunc receives the pod's state on every poll. terminal is true when
// the pod will never run again, after which the monitor stops on its own.
type StatusFunc func(pod *Pod, terminal bool)

// PodMonitor polls one pod and reports every poll, so clients watching a
// launch see progress even while the raw status is unchanged. It stops on
// its own once the pod is terminal or is up with a reachable SSH endpoint.
type PodMonitor struct {
	provider Provider
	podID    string
	notify   StatusFunc
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPodMonitor creates a monitor for the pod; Start begins polling.
func NewPodMonitor(p Provider, podID string, notify StatusFunc) *PodMonitor {
	return &PodMonitor{
		provider: p,
		podID:    podID,
		notify:   notify,
		interval: monitorInterval,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the poll interval. It returns the PodMonitor, so
// calls can be chained.
func (m *PodMonitor) WithInterval(d time.Duration) *PodMonitor {
	m.interval = d
	return m
}

// Start launches the poll loop on its own goroutine.
func (m *PodMonitor) Start() {
	go m.loop()
}

// Stop halts polling. Safe to call more than once.
func (m *PodMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *PodMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		pod, err := m.provider.GetPod(ctx, m.podID)
		cancel()
		if err != nil {
			failures++
			klog.V(1).Infof("pod monitor: poll %s/%s failed (%d): %v",
				m.provider.Name(), m.podID, failures, err)
			// A pod that stops existing is terminal.
			if errors.Is(err, ErrNotFound) {
				m.notify(&Pod{ID: m.podID, Status: StatusTerminated}, true)
				return
			}
			continue
		}
		failures = 0
		terminal := IsTerminal(pod.Status)
		klog.V(2).Infof("pod monitor: %s/%s is %s", m.provider.Name(), m.podID, pod.Status)
		m.notify(pod, terminal)
		if terminal {
			return
		}
		// Up and reachable, the launch is over: leave steady-state checks
		// to whoever connects.
		if pod.Status == StatusActive && pod.SSH != nil {
			klog.V(1).Infof("pod monitor: %s/%s is up at %s", m.provider.Name(), m.podID, pod.SSH.Host)
			return
		}
	}
}
