package dispatch

import (
	"fmt"
	"sync"
	"testing"
)

// TestRegisterFirstWriteWins verifies the first register returns true and
// every subsequent register of the same key returns false.
func TestRegisterFirstWriteWins(t *testing.T) {
	r := NewRegistry()

	if !r.Register("workspace:workspace-e1") {
		t.Fatalf("Expected first register to return true")
	}
	for i := 0; i < 3; i++ {
		if r.Register("workspace:workspace-e1") {
			t.Errorf("Expected register %d of duplicate key to return false", i+2)
		}
	}
	if !r.Registered("workspace:workspace-e1") {
		t.Errorf("Expected key to be present after register")
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 key, got %d", r.Len())
	}
}

// TestRegisterConcurrentSingleWinner verifies exactly one goroutine wins the
// first write under contention.
func TestRegisterConcurrentSingleWinner(t *testing.T) {
	r := NewRegistry()

	const goroutines = 64
	var wg sync.WaitGroup
	wins := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- r.Register("kubernetes:job-r1-n1-0")
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", winners)
	}
}

// TestClearForTests verifies clearing makes keys registrable again.
func TestClearForTests(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < 10; i++ {
		r.Register(fmt.Sprintf("workspace:workspace-e%d", i))
	}
	if r.Len() != 10 {
		t.Fatalf("Expected 10 keys, got %d", r.Len())
	}

	r.ClearForTests()
	if r.Len() != 0 {
		t.Errorf("Expected empty registry after clear, got %d keys", r.Len())
	}
	if !r.Register("workspace:workspace-e0") {
		t.Errorf("Expected key to be registrable after clear")
	}
}

// TestDefaultRegistry verifies the process-wide helpers operate on the
// shared singleton.
func TestDefaultRegistry(t *testing.T) {
	ClearDispatchRegistry()
	defer ClearDispatchRegistry()

	if !Register("workspace:workspace-shared") {
		t.Errorf("Expected first register on default registry to return true")
	}
	if Register("workspace:workspace-shared") {
		t.Errorf("Expected duplicate register on default registry to return false")
	}
}
