package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerPool(t *testing.T) {
	assert := assert.New(t)

	t.Run("Get and Put", func(t *testing.T) {
		timer1 := GetTimer(10 * time.Millisecond)
		assert.NotNil(timer1)

		PutTimer(timer1)

		timer2 := GetTimer(20 * time.Millisecond)
		assert.NotNil(timer2)

		<-timer2.C
	})

	t.Run("Put Active Timer", func(t *testing.T) {
		timer1 := GetTimer(100 * time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		PutTimer(timer1)

		begin := time.Now()
		timer2 := GetTimer(150 * time.Millisecond)

		select {
		case tt := <-timer2.C:
			assert.GreaterOrEqual(tt.Sub(begin), 130*time.Millisecond)
		case <-time.After(400 * time.Millisecond):
			t.Error("timer2 should have fired")
		}
	})

	t.Run("Concurrency", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				timer := GetTimer(5 * time.Millisecond)
				defer PutTimer(timer)
				<-timer.C
			}()
		}
		wg.Wait()
	})
}

func TestSleep(t *testing.T) {
	require := require.New(t)

	begin := time.Now()
	require.NoError(Sleep(context.Background(), 30*time.Millisecond))
	require.GreaterOrEqual(time.Since(begin), 25*time.Millisecond)

	require.NoError(Sleep(context.Background(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	begin = time.Now()
	err := Sleep(ctx, 5*time.Second)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Less(time.Since(begin), time.Second)

	canceled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	require.ErrorIs(Sleep(canceled, -1), context.Canceled)
}
