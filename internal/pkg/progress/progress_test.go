package progress_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dsu-project/dsid/internal/pkg/progress"
)

func TestRecorderLifecycle(t *testing.T) {
	r := progress.New()

	assert.Equal(t, progress.NoOperation, r.Get().Status)

	r.Start("write system", 100)
	snap := r.Get()
	assert.Equal(t, progress.Working, snap.Status)
	assert.Equal(t, uint64(100), snap.Total)
	assert.Equal(t, uint64(0), snap.Processed)

	r.Update(40)
	assert.Equal(t, uint64(40), r.Get().Processed)

	r.Finish()
	snap = r.Get()
	assert.Equal(t, progress.Complete, snap.Status)
	assert.Equal(t, snap.Total, snap.Processed)

	r.Reset()
	assert.Equal(t, progress.Snapshot{}, r.Get())
}

func TestRecorderConcurrentAccess(t *testing.T) {
	r := progress.New()
	r.Start("race", 1000)

	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			r.Update(uint64(n))
			_ = r.Get()
		}(i)
	}

	wg.Wait()

	snap := r.Get()
	assert.LessOrEqual(t, snap.Processed, uint64(1000))
}
