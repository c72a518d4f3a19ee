package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCaptureSinkRecordsInOrder(t *testing.T) {
	sink := NewCaptureSink()

	sink.Emit(Notice{JobID: "job1", Code: CodeFetchStarted, Level: LevelInfo})
	sink.Emit(Notice{JobID: "job1", Code: CodeFetchSaved, Level: LevelInfo})
	sink.Emit(Notice{JobID: "job1", Code: CodeFetchFailed, Level: LevelError})

	assert.Equal(t, []string{CodeFetchStarted, CodeFetchSaved, CodeFetchFailed}, sink.Codes())

	notices := sink.Notices()
	assert.Len(t, notices, 3)
	assert.Equal(t, LevelError, notices[2].Level)
}

func TestCaptureSinkConcurrentEmit(t *testing.T) {
	sink := NewCaptureSink()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Emit(Notice{JobID: "job1", Code: CodeFetchSaved})
		}()
	}
	wg.Wait()

	assert.Len(t, sink.Notices(), 20)
}

func TestLogSinkFillsTimestamp(t *testing.T) {
	sink := NewLogSink()

	// Must not panic on an empty notice.
	sink.Emit(Notice{})
	sink.Emit(Notice{JobID: "job1", Code: CodeCheckpoint, Level: LevelWarn, Metrics: map[string]int{"posts": 3}})
}

func TestNopSink(t *testing.T) {
	sink := NewNopSink()
	sink.Emit(Notice{JobID: "job1", Code: CodeFetchSaved})
}
