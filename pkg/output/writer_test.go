package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeSingle(t *testing.T, buf *bytes.Buffer, payload any) Record {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.NoError(t, json.Unmarshal(record.Data, payload))
	return record
}

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "wheels")

	assert.NotNil(t, w)
	assert.Equal(t, "run-123", w.runID)
	assert.Equal(t, "wheels", w.pipeline)
}

func TestJSONLWriter_WriteRun(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "wheels")

	err := w.WriteRun(context.Background(), &RunRecord{
		Jobs:        4,
		Stages:      []string{"install", "build", "test", "publish"},
		Concurrency: 2,
	})
	require.NoError(t, err)

	var run RunRecord
	record := decodeSingle(t, &buf, &run)

	assert.Equal(t, TypeRun, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.Equal(t, "wheels", record.Pipeline)
	assert.False(t, record.TS.IsZero())
	assert.Equal(t, 4, run.Jobs)
	assert.Equal(t, []string{"install", "build", "test", "publish"}, run.Stages)
}

func TestJSONLWriter_WriteStage(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "")

	err := w.WriteStage(context.Background(), &StageRecord{
		Job:       "platform=macos,python=3.9",
		Stage:     "build",
		Status:    "failed",
		Attempt:   1,
		Duration:  3 * time.Second,
		ErrorCode: "STAGE_FAILED",
		Error:     "exit status 2",
	})
	require.NoError(t, err)

	var stage StageRecord
	record := decodeSingle(t, &buf, &stage)

	assert.Equal(t, TypeStage, record.Type)
	assert.Empty(t, record.Pipeline)
	assert.Equal(t, "build", stage.Stage)
	assert.Equal(t, "failed", stage.Status)
	assert.Equal(t, 3*time.Second, stage.Duration)
	assert.Equal(t, "STAGE_FAILED", stage.ErrorCode)
}

func TestJSONLWriter_WriteJobAndError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "wheels")
	ctx := context.Background()

	require.NoError(t, w.WriteJob(ctx, &JobRecord{Job: "platform=linux", Status: "running"}))
	require.NoError(t, w.WriteError(ctx, &ErrorRecord{Code: "ENVIRONMENT", Message: "conda missing", Job: "platform=linux"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, TypeJob, first.Type)
	assert.Equal(t, TypeError, second.Type)

	var errData ErrorRecord
	require.NoError(t, json.Unmarshal(second.Data, &errData))
	assert.Equal(t, "conda missing", errData.Message)
	assert.Empty(t, errData.Stage)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "wheels")

	err := w.WriteSummary(context.Background(), &SummaryRecord{
		Status:        "failed",
		Total:         4,
		Succeeded:     3,
		Failed:        1,
		Duration:      30 * time.Second,
		DurationHuman: "30s",
		FailedJobs:    []string{"platform=macos,python=3.9"},
	})
	require.NoError(t, err)

	var sum SummaryRecord
	record := decodeSingle(t, &buf, &sum)

	assert.Equal(t, TypeSummary, record.Type)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 30*time.Second, sum.Duration)
	assert.Equal(t, []string{"platform=macos,python=3.9"}, sum.FailedJobs)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "")

	require.NoError(t, w.Close())

	err := w.WriteJob(context.Background(), &JobRecord{Job: "platform=linux"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteStage(context.Background(), &StageRecord{
					Job:     "platform=linux",
					Stage:   "build",
					Status:  "running",
					Attempt: writerID*writesPerWriter + j,
				})
			}
		}(i)
	}

	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteJob(ctx, &JobRecord{Job: "platform=linux"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run-123", "")

	err := w.WriteJob(context.Background(), &JobRecord{Job: "platform=linux"})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "run-123", "wheels")

	err := w.WriteStage(context.Background(), &StageRecord{
		Job:    "platform=linux,python=3.10",
		Stage:  "test",
		Status: "succeeded",
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	require.Len(t, lines, 1)

	var record Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, TypeStage, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(zeroWriteWriter{}, "run-123", "")

	err := w.WriteJob(context.Background(), &JobRecord{Job: "platform=linux"})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := min(len(p), sw.bytesPerWrite)
	return sw.buf.Write(p[:toWrite])
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestStageRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(StageRecord{Job: "platform=linux", Stage: "build", Status: "running"})
	require.NoError(t, err)

	for _, key := range []string{"error_code", "log_path", "artifacts", "duration_ns"} {
		assert.NotContains(t, string(data), key)
	}
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, Discard.WriteRun(ctx, &RunRecord{}))
	assert.NoError(t, Discard.WriteSummary(ctx, &SummaryRecord{}))
	assert.NoError(t, Discard.Close())
}

func BenchmarkJSONLWriter_WriteStage(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "run-123", "wheels")
	rec := &StageRecord{
		Job:      "platform=linux,python=3.11",
		Stage:    "build",
		Status:   "succeeded",
		Duration: time.Second,
		LogPath:  "/tmp/run/linux_3.11/logs/build.log",
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteStage(ctx, rec)
	}
}
