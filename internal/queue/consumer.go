/**
 * Asynq Queue Consumer for the NIK worker
 *
 * Alternative backend selected with QUEUE_BACKEND=asynq. Jobs are asynq
 * tasks of type extract-nik carrying an ExtractionJob payload.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/nik-worker/internal/processor"
)

// Consumer handles job consumption through asynq
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	processor processor.ExtractionProcessorInterface
	config    *ConsumerConfig
}

// ConsumerConfig configures the asynq backend. Processor may be nil for
// enqueue-only use.
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	MaxRetries        int
	Processor         processor.ExtractionProcessorInterface // nil for enqueue-only use
	ProcessingTimeout int64                                  // milliseconds
}

// NewConsumer connects the asynq client and prepares the server
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// 5s, 10s, 20s ... capped at one minute
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("Task processing error: type=%s, error=%v", task.Type(), err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client:    client,
		server:    server,
		inspector: asynq.NewInspector(redisOpt),
		mux:       mux,
		processor: cfg.Processor,
		config:    cfg,
	}

	mux.HandleFunc(TaskExtractNIK, consumer.handleExtract)

	return consumer, nil
}

// NewExtractTask wraps job as an asynq task
func NewExtractTask(job *ExtractionJob, maxRetries int) (*asynq.Task, error) {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return asynq.NewTask(TaskExtractNIK, payload,
		asynq.TaskID(job.JobID),
		asynq.MaxRetry(maxRetries),
		asynq.Retention(24*time.Hour),
	), nil
}

// Enqueue submits job to the consumer's queue and returns its id
func (c *Consumer) Enqueue(ctx context.Context, job *ExtractionJob) (string, error) {
	task, err := NewExtractTask(job, c.config.MaxRetries)
	if err != nil {
		return "", err
	}
	info, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.config.QueueName))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return info.ID, nil
}

// Start runs the asynq server in the background
func (c *Consumer) Start(ctx context.Context) error {
	if c.processor == nil {
		return fmt.Errorf("Processor is required")
	}

	log.Printf("Starting queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	go func() {
		if err := c.server.Run(c.mux); err != nil {
			log.Printf("Queue consumer error: %v", err)
		}
	}()

	return nil
}

// Stop drains in-flight tasks and closes the client
func (c *Consumer) Stop(ctx context.Context) error {
	log.Printf("Stopping queue consumer...")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	if err := c.inspector.Close(); err != nil {
		return fmt.Errorf("failed to close inspector: %w", err)
	}

	log.Printf("Queue consumer stopped")
	return nil
}

func (c *Consumer) handleExtract(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var job ExtractionJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("[Job %s] Extracting: filename=%s, user=%s", job.JobID, job.Filename, job.UserID)

	if err := c.processor.UpdateJobStatus(ctx, job.JobID, "processing", map[string]interface{}{
		"filename": job.Filename,
		"userId":   job.UserID,
	}); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to processing: %v", job.JobID, err)
	}

	req, err := job.Request()
	var result *processor.JobResult
	if err == nil {
		timeout := time.Duration(c.config.ProcessingTimeout) * time.Millisecond
		result, err = runJob(ctx, c.processor, req, timeout)
	}

	duration := time.Since(startTime)

	if err != nil {
		log.Printf("[Job %s] Extraction failed after %v: %v", job.JobID, duration, err)

		if updateErr := c.processor.UpdateJobStatus(ctx, job.JobID, "failed", failedMetadata(err, duration)); updateErr != nil {
			log.Printf("[Job %s] Warning: Failed to update status to failed: %v", job.JobID, updateErr)
		}

		if !retryable(err) {
			return fmt.Errorf("extraction failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("extraction failed: %w", err)
	}

	log.Printf("[Job %s] Extraction completed in %v: %s (%d%%)",
		job.JobID, duration, result.Display, processor.ConfidencePercent(result.Confidence))

	if err := c.processor.UpdateJobStatus(ctx, job.JobID, "completed", completedMetadata(result)); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to completed: %v", job.JobID, err)
	}

	if data, err := json.Marshal(result); err == nil {
		if _, err := task.ResultWriter().Write(data); err != nil {
			log.Printf("[Job %s] Warning: Failed to write task result: %v", job.JobID, err)
		}
	}

	return nil
}

// Result returns the result an extract-nik task wrote on completion.
// An archived task yields its last error; others wrap ErrJobPending.
func (c *Consumer) Result(_ context.Context, jobID string) (*processor.JobResult, error) {
	info, err := c.inspector.GetTaskInfo(c.config.QueueName, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up job %s: %w", jobID, err)
	}
	return taskResult(info)
}

func taskResult(info *asynq.TaskInfo) (*processor.JobResult, error) {
	switch info.State {
	case asynq.TaskStateCompleted:
		return decodeResult(info.ID, info.Result)
	case asynq.TaskStateArchived:
		return nil, fmt.Errorf("job %s failed: %s", info.ID, info.LastErr)
	default:
		return nil, fmt.Errorf("job %s is %s: %w", info.ID, info.State, ErrJobPending)
	}
}

// GetStats counts the tasks per state, using the same keys as the
// Redis backend. A queue nothing was ever enqueued to reports zeros.
func (c *Consumer) GetStats(_ context.Context) (map[string]int64, error) {
	info, err := c.inspector.GetQueueInfo(c.config.QueueName)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return queueStats(&asynq.QueueInfo{}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect queue %s: %w", c.config.QueueName, err)
	}
	return queueStats(info), nil
}

func queueStats(info *asynq.QueueInfo) map[string]int64 {
	return map[string]int64{
		"waiting":    int64(info.Pending + info.Scheduled),
		"processing": int64(info.Active),
		"retrying":   int64(info.Retry),
		"completed":  int64(info.Completed),
		"failed":     int64(info.Archived),
	}
}
