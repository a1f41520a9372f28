package workers

import (
	"sync"
	"testing"
)

func TestSingleWorkerKeepsOrder(t *testing.T) {
	wp := NewWorkerPool(1, 64)
	defer wp.Stop()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		if !wp.AddJob(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("job %d dropped", i)
		}
	}
	wp.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestFullQueueDrops(t *testing.T) {
	wp := NewWorkerPool(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})
	wp.AddJob(func() {
		close(started)
		<-block
	})
	<-started
	if !wp.AddJob(func() {}) {
		t.Fatal("second job should fit the buffer")
	}
	if wp.AddJob(func() {}) {
		t.Fatal("third job should be dropped")
	}
	close(block)
	wp.Stop()
}

func TestStopRejectsAndSurvivesPanics(t *testing.T) {
	wp := NewWorkerPool(2, 4)
	wp.AddJob(func() { panic("boom") })
	ran := make(chan struct{})
	wp.AddJob(func() { close(ran) })
	<-ran
	wp.Stop()
	wp.Stop()
	if wp.AddJob(func() {}) {
		t.Fatal("AddJob after Stop should fail")
	}
}
