package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/fruitsalade/assetspace/internal/logging"
)

// Client wraps asynq.Client for enqueuing tasks.
type Client struct {
	client *asynq.Client
}

// NewClient creates a new queue client.
func NewClient(redisAddr, redisPassword string) *Client {
	return &Client{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     redisAddr,
			Password: redisPassword,
		}),
	}
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueSweep enqueues a retention sweep and returns the task id.
func (c *Client) EnqueueSweep(ctx context.Context, cutoffDays int) (string, error) {
	task, err := NewSweepTask(cutoffDays)
	if err != nil {
		return "", err
	}
	return c.enqueue(ctx, task)
}

// EnqueueImport enqueues the import of a staged archive and returns the task id.
func (c *Client) EnqueueImport(ctx context.Context, p ImportPayload) (string, error) {
	task, err := NewImportTask(p)
	if err != nil {
		return "", err
	}
	return c.enqueue(ctx, task)
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task) (string, error) {
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", task.Type(), err)
	}
	logging.Info("task enqueued",
		logging.String("task_id", info.ID),
		logging.String("type", task.Type()),
		logging.String("queue", info.Queue))
	return info.ID, nil
}
