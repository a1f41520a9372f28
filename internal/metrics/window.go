package metrics

import (
	"sync"
	"time"
)

// SlidingWindow counts timestamps inside a fixed trailing window.
type SlidingWindow struct {
	mu      sync.Mutex
	events  []int64 // unix millis
	window  time.Duration
	maxSize int
	now     func() time.Time
}

// NewSlidingWindow creates a new sliding window
func NewSlidingWindow(window time.Duration, maxSize int) *SlidingWindow {
	return &SlidingWindow{
		events:  make([]int64, 0, maxSize),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Add records one occurrence at the current time.
func (sw *SlidingWindow) Add() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now().UnixMilli()
	sw.events = append(sw.events, now)
	sw.trim(now)
	if len(sw.events) > sw.maxSize {
		sw.events = sw.events[len(sw.events)-sw.maxSize:]
	}
}

func (sw *SlidingWindow) trim(now int64) {
	cutoff := now - sw.window.Milliseconds()
	i := 0
	for i < len(sw.events) && sw.events[i] < cutoff {
		i++
	}
	if i > 0 {
		sw.events = sw.events[i:]
	}
}

// Rate returns occurrences per second over the window.
func (sw *SlidingWindow) Rate() float64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.trim(sw.now().UnixMilli())
	if len(sw.events) == 0 {
		return 0
	}
	return float64(len(sw.events)) / sw.window.Seconds()
}
