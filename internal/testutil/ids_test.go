package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialIDs(t *testing.T) {
	ids := NewSequentialIDs("je")
	assert.Equal(t, "je-0001", ids.Next())
	assert.Equal(t, "je-0002", ids.Next())

	ids.Reset()
	assert.Equal(t, "je-0001", ids.Next())

	assert.Equal(t, "id-0001", NewSequentialIDs("").Next())
}

func TestSequentialIDs_Unique(t *testing.T) {
	ids := NewSequentialIDs("")
	const n = 200

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			id := ids.Next()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestAppSchemaLoads(t *testing.T) {
	s := AppSchema(t)
	require.NotNil(t, s)

	wf, ok := s.WorkflowFor("JournalEntry")
	require.True(t, ok)
	assert.Equal(t, "Draft", wf.InitialState)
	assert.Contains(t, s.Queries, "TrialBalance")
	assert.Contains(t, s.PostingRules, "InvoicePosting")
}
