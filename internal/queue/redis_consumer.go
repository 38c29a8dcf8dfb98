/**
 * Direct Redis Queue Consumer for the NIK worker
 *
 * Compatible with the TypeScript RedisQueue producer: job ids are pushed
 * onto a LIST and the job bodies live in the <queue>:data hash.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/nik-worker/internal/processor"
)

var errNoJobs = fmt.Errorf("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Payload    ExtractionJob `json:"payload"`
	CreatedAt  time.Time     `json:"createdAt"`
	Attempts   int           `json:"attempts"`
	MaxRetries int           `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.ExtractionProcessorInterface
	config    *RedisConsumerConfig
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	MaxRetries        int
	Processor         processor.ExtractionProcessorInterface // nil for enqueue-only use
	ProcessingTimeout int64                                  // milliseconds
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "nik:jobs"
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// Enqueue stores the job body and pushes its id; an empty JobID gets a UUID
func (c *RedisConsumer) Enqueue(ctx context.Context, job *ExtractionJob) (string, error) {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}

	data, err := json.Marshal(RedisJobData{
		ID:         job.JobID,
		Type:       TaskExtractNIK,
		Payload:    *job,
		CreatedAt:  time.Now(),
		MaxRetries: c.config.MaxRetries,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.key("data"), job.JobID, data)
	pipe.LPush(ctx, c.config.QueueName, job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.JobID, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	if c.processor == nil {
		return fmt.Errorf("Processor is required")
	}

	log.Printf("Starting Redis queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	log.Println("Queue consumer started successfully")
	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop() error {
	log.Println("Stopping queue consumer...")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log.Printf("Worker %d started", id)

	for {
		select {
		case <-c.ctx.Done():
			log.Printf("Worker %d stopping", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if err != errNoJobs && c.ctx.Err() == nil {
					log.Printf("Worker %d error: %v", id, err)
					time.Sleep(1 * time.Second)
				}
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]

	jobData, err := c.client.HGet(c.ctx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.markFailed(id, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}
	jobID := job.Payload.JobID

	c.client.SAdd(c.ctx, c.key("processing"), jobID)
	if err := c.processor.UpdateJobStatus(c.ctx, jobID, "processing", map[string]interface{}{
		"filename": job.Payload.Filename,
		"userId":   job.Payload.UserID,
	}); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to processing: %v", jobID, err)
	}
	c.publish(jobID, "processing")

	log.Printf("[Job %s] Processing %s", jobID, job.Payload.Filename)
	startTime := time.Now()

	res, err := c.processJob(&job)
	if err == nil {
		c.markCompleted(jobID, res)
		log.Printf("[Job %s] Completed: %s", jobID, res.Display)
		return nil
	}

	log.Printf("[Job %s] Failed: %v", jobID, err)
	job.Attempts++
	if retryable(err) && job.Attempts < job.MaxRetries {
		updatedData, _ := json.Marshal(job)
		c.client.HSet(c.ctx, c.key("data"), job.ID, updatedData)
		c.client.LPush(c.ctx, c.config.QueueName, job.ID)
		log.Printf("[Job %s] Re-queued for retry (attempt %d/%d)", jobID, job.Attempts, job.MaxRetries)
		return nil
	}

	meta := failedMetadata(err, time.Since(startTime))
	meta["attempts"] = job.Attempts
	c.markFailed(jobID, meta)
	return nil
}

func (c *RedisConsumer) processJob(job *RedisJobData) (*processor.JobResult, error) {
	req, err := job.Payload.Request()
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	return runJob(c.ctx, c.processor, req, timeout)
}

func (c *RedisConsumer) markCompleted(jobID string, result *processor.JobResult) {
	c.client.SRem(c.ctx, c.key("processing"), jobID)
	c.client.SAdd(c.ctx, c.key("completed"), jobID)
	if resultData, err := json.Marshal(result); err == nil {
		c.client.HSet(c.ctx, c.key("results"), jobID, resultData)
	}

	if err := c.processor.UpdateJobStatus(c.ctx, jobID, "completed", completedMetadata(result)); err != nil {
		log.Printf("[Job %s] ERROR: Failed to update job status: %v", jobID, err)
	}
	c.publish(jobID, "completed")
}

func (c *RedisConsumer) markFailed(jobID string, meta map[string]interface{}) {
	c.client.SRem(c.ctx, c.key("processing"), jobID)
	c.client.SAdd(c.ctx, c.key("failed"), jobID)
	if errorData, err := json.Marshal(meta); err == nil {
		c.client.HSet(c.ctx, c.key("errors"), jobID, errorData)
	}

	if c.processor != nil {
		if err := c.processor.UpdateJobStatus(c.ctx, jobID, "failed", meta); err != nil {
			log.Printf("[Job %s] WARNING: Failed to update job status for failed job: %v", jobID, err)
		}
	}
	c.publish(jobID, "failed")
}

// publish emits a job event for WebSocket streaming
func (c *RedisConsumer) publish(jobID, status string) {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(c.ctx, c.key("events"), eventData)
}

// Result returns the stored result of a completed job. A failed job
// yields its recorded error; an unfinished one wraps ErrJobPending.
func (c *RedisConsumer) Result(ctx context.Context, jobID string) (*processor.JobResult, error) {
	data, err := c.client.HGet(ctx, c.key("results"), jobID).Bytes()
	switch {
	case err == nil:
		return decodeResult(jobID, data)
	case err != redis.Nil:
		return nil, fmt.Errorf("failed to read result: %w", err)
	}

	failure, err := c.client.HGet(ctx, c.key("errors"), jobID).Bytes()
	switch {
	case err == nil:
		return nil, failureError(jobID, failure)
	case err != redis.Nil:
		return nil, fmt.Errorf("failed to read job error: %w", err)
	}
	return nil, fmt.Errorf("job %s: %w", jobID, ErrJobPending)
}

// GetStats counts the jobs per lifecycle state
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
