package ids

import (
	"strings"
	"sync"
	"testing"
)

func TestGenerateMonotonicUnique(t *testing.T) {
	prev := Generate()
	for i := 0; i < 10_000; i++ {
		id := Generate()
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestGenerateConcurrentUnique(t *testing.T) {
	const workers = 8
	const perWorker = 2000
	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, Generate())
			}
			mu.Lock()
			for _, id := range local {
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func TestGenerateWithPrefix(t *testing.T) {
	id := GenerateWithPrefix("msg")
	if !strings.HasPrefix(id, "msg_") {
		t.Fatalf("unexpected id form %q", id)
	}
}
