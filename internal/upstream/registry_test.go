package upstream

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRoundRobin(t *testing.T) {
	pool, err := NewPool([]string{"http://a:8000", "http://b:8000", "http://c:8000"})
	require.NoError(t, err)

	// Two full cycles visit every replica exactly twice, in order.
	var picks []string
	for i := 0; i < 6; i++ {
		picks = append(picks, pool.Next())
	}
	assert.Equal(t, []string{
		"http://a:8000", "http://b:8000", "http://c:8000",
		"http://a:8000", "http://b:8000", "http://c:8000",
	}, picks)
}

func TestPoolFairnessUnderConcurrency(t *testing.T) {
	pool, err := NewPool([]string{"http://a:8000", "http://b:8000", "http://c:8000"})
	require.NoError(t, err)

	const total = 300
	counts := make(map[string]int)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replica := pool.Next()
			mu.Lock()
			counts[replica]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, counts, 3)
	for replica, count := range counts {
		assert.Equal(t, total/3, count, "replica %s", replica)
	}
}

func TestPoolNormalization(t *testing.T) {
	pool, err := NewPool([]string{" http://a:8000/ ", "", "http://b:8000"})
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Size())
	assert.Equal(t, "http://a:8000", pool.Next())
}

func TestPoolRequiresReplica(t *testing.T) {
	_, err := NewPool(nil)
	assert.Error(t, err)

	_, err = NewPool([]string{"", "  "})
	assert.Error(t, err)
}

func TestRegistryChoose(t *testing.T) {
	registry, err := NewRegistry(map[string]string{
		"auth":  "http://auth:8000",
		"tasks": "http://tasks-1:8000,http://tasks-2:8000",
	})
	require.NoError(t, err)

	replica, err := registry.Choose("auth")
	require.NoError(t, err)
	assert.Equal(t, "http://auth:8000", replica)

	first, err := registry.Choose("tasks")
	require.NoError(t, err)
	second, err := registry.Choose("tasks")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, err = registry.Choose("billing")
	var notFound *ErrServiceNotFound
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "billing", notFound.Service)
}

func TestRegistryRejectsEmptyReplicaList(t *testing.T) {
	_, err := NewRegistry(map[string]string{"auth": " , "})
	assert.Error(t, err)
}
