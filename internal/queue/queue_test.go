package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/nik-worker/internal/errors"
	"github.com/adverant/nexus/nik-worker/internal/processor"
	"github.com/adverant/nexus/nik-worker/internal/vision"
)

func TestExtractionJobDecodesBase64Buffer(t *testing.T) {
	payload := `{"jobId":"j1","userId":"u","filename":"ktp.png","imageBuffer":"iVBORw==","strategy":"color"}`

	var job ExtractionJob
	require.NoError(t, json.Unmarshal([]byte(payload), &job))
	assert.Equal(t, "j1", job.JobID)
	assert.Equal(t, "color", job.Strategy)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, job.ImageBuffer)
	assert.Nil(t, job.Region)
}

func TestExtractionJobDecodesNodeBuffer(t *testing.T) {
	payload := `{"jobId":"j2","imageBuffer":{"type":"Buffer","data":[255,216,255]}}`

	var job ExtractionJob
	require.NoError(t, json.Unmarshal([]byte(payload), &job))
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, job.ImageBuffer)
}

func TestExtractionJobRejectsBadBuffer(t *testing.T) {
	tests := map[string]string{
		"not base64":   `{"imageBuffer":"***"}`,
		"wrong type":   `{"imageBuffer":{"type":"Blob","data":[1]}}`,
		"missing data": `{"imageBuffer":{"type":"Buffer"}}`,
		"out of range": `{"imageBuffer":{"type":"Buffer","data":[256]}}`,
		"number":       `{"imageBuffer":42}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			var job ExtractionJob
			assert.Error(t, json.Unmarshal([]byte(payload), &job))
		})
	}
}

func TestExtractionJobRegionForms(t *testing.T) {
	var obj ExtractionJob
	require.NoError(t, json.Unmarshal([]byte(`{"region":{"x1":10,"y1":20,"x2":300,"y2":60}}`), &obj))
	require.NotNil(t, obj.Region)
	assert.Equal(t, vision.Region{X1: 10, Y1: 20, X2: 300, Y2: 60}, *obj.Region)

	var str ExtractionJob
	require.NoError(t, json.Unmarshal([]byte(`{"region":"10,20,300,60"}`), &str))
	require.NotNil(t, str.Region)
	assert.Equal(t, *obj.Region, *str.Region)

	var bad ExtractionJob
	assert.Error(t, json.Unmarshal([]byte(`{"region":"10,20"}`), &bad))
}

func TestExtractionJobSurvivesRedisEnvelope(t *testing.T) {
	job := ExtractionJob{
		JobID:        "j3",
		Filename:     "card.jpg",
		ImageBuffer:  []byte{1, 2, 3},
		Region:       &vision.Region{X1: 1, Y1: 2, X2: 30, Y2: 40},
		ExportLabels: "3301234567890123",
	}
	data, err := json.Marshal(RedisJobData{ID: job.JobID, Type: TaskExtractNIK, Payload: job, MaxRetries: 3})
	require.NoError(t, err)

	var back RedisJobData
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, job, back.Payload)
	assert.Equal(t, TaskExtractNIK, back.Type)
}

func TestExtractionJobRequest(t *testing.T) {
	job := ExtractionJob{JobID: "j4", Strategy: "color", InkColor: "#1e3c78"}
	req, err := job.Request()
	require.NoError(t, err)
	require.NotNil(t, req.Profile)
	assert.Equal(t, vision.Color{B: 0x78, G: 0x3c, R: 0x1e}, req.Profile.Target)
	assert.Equal(t, 0, req.Profile.Tolerance)

	job.InkColor = "blue"
	_, err = job.Request()
	code, ok := errors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorUnsupportedFormat, code)
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(errors.NewRegionNotFoundError(100, 50)))
	assert.False(t, retryable(fmt.Errorf("wrapped: %w", errors.NewUnsupportedFormatError("j", "x"))))
	assert.True(t, retryable(errors.NewNetworkTimeoutError("j", "http://x", assert.AnError)))
	assert.True(t, retryable(assert.AnError))
}

func TestFailedMetadataCarriesCode(t *testing.T) {
	meta := failedMetadata(errors.NewRegionNotFoundError(640, 400), 1500*time.Millisecond)
	assert.Equal(t, "REGION_NOT_FOUND", meta["error_code"])
	assert.Equal(t, int64(1500), meta["processingTime"])
	assert.Contains(t, meta["error"], "REGION_NOT_FOUND")

	plain := failedMetadata(assert.AnError, 0)
	_, hasCode := plain["error_code"]
	assert.False(t, hasCode)
}

type fakeProcessor struct {
	delay  time.Duration
	result *processor.JobResult
	err    error
}

func (f *fakeProcessor) ProcessJob(ctx context.Context, req *processor.JobRequest) (*processor.JobResult, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.result, f.err
}

func (f *fakeProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error {
	return nil
}

func TestRunJobTimeout(t *testing.T) {
	proc := &fakeProcessor{delay: time.Second}
	_, err := runJob(context.Background(), proc, &processor.JobRequest{JobID: "slow"}, 20*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrProcessingTimeout)
	assert.True(t, retryable(err))
}

func TestRunJobSuccess(t *testing.T) {
	want := &processor.JobResult{JobID: "ok", Digits: "3301234567890123", Confidence: 100}
	proc := &fakeProcessor{result: want}
	got, err := runJob(context.Background(), proc, &processor.JobRequest{JobID: "ok"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	meta := completedMetadata(got)
	assert.Equal(t, "3301234567890123", meta["digits"])
	assert.Equal(t, 100.0, meta["confidence"])
}

func TestNewExtractTask(t *testing.T) {
	job := &ExtractionJob{Filename: "x.png"}
	task, err := NewExtractTask(job, 2)
	require.NoError(t, err)
	assert.Equal(t, TaskExtractNIK, task.Type())
	assert.NotEmpty(t, job.JobID)

	var back ExtractionJob
	require.NoError(t, json.Unmarshal(task.Payload(), &back))
	assert.Equal(t, job.JobID, back.JobID)
}

func TestDecodeResultAndFailure(t *testing.T) {
	result, err := decodeResult("j5", []byte(`{"jobId":"j5","digits":"3301234567890123","confidence":100}`))
	require.NoError(t, err)
	assert.Equal(t, "3301234567890123", result.Digits)

	_, err = decodeResult("j5", []byte("{"))
	assert.Error(t, err)

	meta, err := json.Marshal(failedMetadata(errors.NewRegionNotFoundError(640, 400), time.Second))
	require.NoError(t, err)
	assert.Contains(t, failureError("j6", meta).Error(), "REGION_NOT_FOUND")
	assert.EqualError(t, failureError("j7", []byte(`{}`)), "job j7 failed: unknown error")
}

func TestTaskResultByState(t *testing.T) {
	data, err := json.Marshal(&processor.JobResult{JobID: "t1", Digits: "3301234567890123"})
	require.NoError(t, err)

	got, err := taskResult(&asynq.TaskInfo{ID: "t1", State: asynq.TaskStateCompleted, Result: data})
	require.NoError(t, err)
	assert.Equal(t, "3301234567890123", got.Digits)

	_, err = taskResult(&asynq.TaskInfo{ID: "t2", State: asynq.TaskStateArchived, LastErr: "REGION_NOT_FOUND: no line"})
	assert.ErrorContains(t, err, "REGION_NOT_FOUND")
	assert.NotErrorIs(t, err, ErrJobPending)

	for _, state := range []asynq.TaskState{asynq.TaskStatePending, asynq.TaskStateActive, asynq.TaskStateRetry} {
		_, err = taskResult(&asynq.TaskInfo{ID: "t3", State: state})
		assert.ErrorIs(t, err, ErrJobPending, state.String())
	}
}

func TestQueueStats(t *testing.T) {
	stats := queueStats(&asynq.QueueInfo{Pending: 2, Scheduled: 1, Active: 3, Retry: 1, Completed: 5, Archived: 4})
	assert.Equal(t, map[string]int64{
		"waiting":    3,
		"processing": 3,
		"retrying":   1,
		"completed":  5,
		"failed":     4,
	}, stats)
}

func TestRedisConsumerRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skipf("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	queueName := fmt.Sprintf("nik:test:%d", time.Now().UnixNano())

	c, err := NewRedisConsumer(&RedisConsumerConfig{RedisURL: url, QueueName: queueName, Processor: &fakeProcessor{}})
	require.NoError(t, err)
	defer c.Stop()
	defer c.client.Del(ctx, queueName, c.key("data"), c.key("results"), c.key("errors"),
		c.key("processing"), c.key("completed"), c.key("failed"))

	id, err := c.Enqueue(ctx, &ExtractionJob{Filename: "card.png", ImageBuffer: []byte{1}})
	require.NoError(t, err)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["waiting"])

	_, err = c.Result(ctx, id)
	assert.ErrorIs(t, err, ErrJobPending)

	c.markCompleted(id, &processor.JobResult{JobID: id, Digits: "3301234567890123"})
	got, err := c.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "3301234567890123", got.Digits)

	c.markFailed("other", failedMetadata(errors.NewRegionNotFoundError(10, 10), 0))
	_, err = c.Result(ctx, "other")
	assert.ErrorContains(t, err, "REGION_NOT_FOUND")

	stats, err = c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["completed"])
	assert.Equal(t, int64(1), stats["failed"])
}
