package refresh

import (
	"sync"
	"testing"
)

func TestMemoryLockTableBasics(t *testing.T) {
	lt := NewMemoryLockTable([]string{"GOOGL", "NVDA"})

	if !lt.Known("GOOGL") || lt.Known("MSFT") {
		t.Fatal("Known is wrong about the universe")
	}

	if !lt.TryLock("GOOGL") {
		t.Fatal("first TryLock must succeed")
	}
	if lt.TryLock("GOOGL") {
		t.Fatal("second TryLock on a held slot must fail")
	}
	// Another symbol never contends.
	if !lt.TryLock("NVDA") {
		t.Fatal("a different symbol must not contend")
	}

	lt.Unlock("GOOGL")
	if !lt.TryLock("GOOGL") {
		t.Fatal("TryLock after Unlock must succeed")
	}
	lt.Unlock("GOOGL")
	lt.Unlock("NVDA")
}

// -----------------------------------------------------------------------------

func TestMemoryLockTableUnknownSymbol(t *testing.T) {
	lt := NewMemoryLockTable([]string{"GOOGL"})
	if lt.TryLock("MSFT") {
		t.Fatal("TryLock on an untracked symbol must fail")
	}
}

func TestMemoryLockTableUnlockWithoutHoldPanics(t *testing.T) {
	lt := NewMemoryLockTable([]string{"GOOGL"})
	defer func() {
		if recover() == nil {
			t.Fatal("Unlock without a held lock must panic")
		}
	}()
	lt.Unlock("GOOGL")
}

// -----------------------------------------------------------------------------

func TestMemoryLockTableSingleWinner(t *testing.T) {
	lt := NewMemoryLockTable([]string{"GOOGL"})

	const goroutines = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, goroutines)

	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if lt.TryLock("GOOGL") {
				wins <- struct{}{}
			}
		}()
	}
	close(start)
	wg.Wait()
	close(wins)

	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("lock acquired by %d goroutines, want exactly 1", n)
	}
}
