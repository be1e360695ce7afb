package queue

import (
	"sync"
	"testing"
	"time"
)

func TestFIFO_Order(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		q.Put(i)
	}
	for i := 0; i < 5; i++ {
		v, ok := q.Get()
		if !ok {
			t.Fatalf("Get returned !ok at %d", i)
		}
		if v != i {
			t.Errorf("expected %d, got %d", i, v)
		}
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, len=%d", q.Len())
	}
}

func TestFIFO_TryGetEmpty(t *testing.T) {
	q := New[string]()
	if _, ok := q.TryGet(); ok {
		t.Error("TryGet on empty queue should return !ok")
	}
}

func TestFIFO_GetBlocksUntilPut(t *testing.T) {
	q := New[int]()
	got := make(chan int, 1)
	go func() {
		v, _ := q.Get()
		got <- v
	}()

	select {
	case <-got:
		t.Fatal("Get returned before Put")
	case <-time.After(20 * time.Millisecond):
	}

	q.Put(42)
	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("expected 42, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not wake after Put")
	}
}

func TestFIFO_CloseWakesBlockedGetters(t *testing.T) {
	q := New[int]()
	done := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, ok := q.Get()
			done <- ok
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()

	for i := 0; i < 3; i++ {
		select {
		case ok := <-done:
			if ok {
				t.Error("Get on closed empty queue should return !ok")
			}
		case <-time.After(time.Second):
			t.Fatal("blocked getter never woke after Close")
		}
	}
}

func TestFIFO_PutAfterCloseDropped(t *testing.T) {
	q := New[int]()
	q.Close()
	q.Put(1)
	if q.Len() != 0 {
		t.Errorf("Put after Close should be dropped, len=%d", q.Len())
	}
}

func TestFIFO_ConcurrentProducersConsumers(t *testing.T) {
	q := New[int]()
	const producers, perProducer = 8, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Put(i)
			}
		}()
	}

	received := make(chan int, producers*perProducer)
	for c := 0; c < 4; c++ {
		go func() {
			for {
				v, ok := q.Get()
				if !ok {
					return
				}
				received <- v
			}
		}()
	}

	wg.Wait()
	for i := 0; i < producers*perProducer; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("only received %d of %d items", i, producers*perProducer)
		}
	}
	q.Close()
}
