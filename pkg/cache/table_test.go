package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterTableIncrementIsAtomic(t *testing.T) {
	table := NewCounterTable()

	const goroutines = 32
	const perGoroutine = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				table.Increment("k", 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(goroutines*perGoroutine), table.Increment("k", 0))
}

func TestCounterTableDeleteFunc(t *testing.T) {
	table := NewCounterTable()
	for i := 0; i < 10; i++ {
		table.Increment(fmt.Sprintf("w|%d", i), 1)
	}

	deleted := table.DeleteFunc(func(key string) bool {
		return key < "w|5"
	})
	assert.Equal(t, 5, deleted)
	assert.Equal(t, 5, table.Len())
}

func TestTableDeleteFuncAndReplace(t *testing.T) {
	table := NewTable[int]()
	table.Put("a", 1)
	table.Put("b", 2)

	table.DeleteFunc(func(_ string, v int) bool { return v > 1 })
	assert.Equal(t, 1, table.Len())

	table.Replace(map[string]int{"x": 9, "y": 8, "z": 7})
	assert.Equal(t, 3, table.Len())
	v, ok := table.Get("x")
	assert.True(t, ok)
	assert.Equal(t, 9, v)
}
