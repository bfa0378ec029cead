// Package sqsbroker implements the queue.Broker contract on AWS SQS.
//
// Each lane maps to its own queue URL. SQS gives at-least-once delivery
// natively: a received message stays invisible for the visibility timeout
// and reappears unless deleted. Ack deletes the message; Nack zeroes its
// visibility so it redelivers immediately. Retry backoff uses DelaySeconds.
package sqsbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/wavecom/relay/internal/queue"
)

// maxDelay is the SQS DelaySeconds ceiling (15 minutes).
const maxDelay = 900 * time.Second

// Config holds SQS connection settings.
type Config struct {
	Region       string
	QueueURL     string // default lane
	HighQueueURL string // high-priority lane; falls back to QueueURL when empty
	DLQURL       string

	// WaitTime is the long-poll duration for the default lane. The high
	// lane always uses a zero wait so the worker's preference scan does
	// not stall on an idle queue.
	WaitTime time.Duration

	// VisibilityTimeout is how long a received message stays invisible.
	VisibilityTimeout time.Duration
}

type Broker struct {
	client *sqs.Client
	cfg    Config
	logger *zap.Logger
}

func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}
	if cfg.HighQueueURL == "" {
		cfg.HighQueueURL = cfg.QueueURL
	}
	if cfg.WaitTime == 0 {
		cfg.WaitTime = 5 * time.Second
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 60 * time.Second
	}

	logger.Info("sqs broker initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.String("high_queue_url", cfg.HighQueueURL),
		zap.String("dlq_url", cfg.DLQURL),
	)

	return &Broker{
		client: sqs.NewFromConfig(awsCfg),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (b *Broker) queueURL(lane queue.Lane) string {
	if lane == queue.LaneHigh {
		return b.cfg.HighQueueURL
	}
	return b.cfg.QueueURL
}

func (b *Broker) Publish(ctx context.Context, lane queue.Lane, msg queue.Message, opts queue.PublishOptions) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL(lane)),
		MessageBody: aws.String(string(body)),
	}
	if opts.Delay > 0 {
		delay := opts.Delay
		if delay > maxDelay {
			delay = maxDelay
		}
		input.DelaySeconds = int32(delay / time.Second)
	}

	if _, err := b.client.SendMessage(ctx, input); err != nil {
		b.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("job_id", msg.JobID.String()),
			zap.String("lane", string(lane)),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}

func (b *Broker) Receive(ctx context.Context, lane queue.Lane, max int) ([]queue.Delivery, error) {
	if max > 10 {
		max = 10 // SQS batch ceiling
	}

	wait := int32(0)
	if lane == queue.LaneDefault {
		wait = int32(b.cfg.WaitTime / time.Second)
	}

	result, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.queueURL(lane)),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     wait,
		VisibilityTimeout:   int32(b.cfg.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	deliveries := make([]queue.Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		var msg queue.Message
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil {
			// Poison payload: delete rather than redeliver forever.
			b.logger.Error("deleting malformed message", zap.Error(err))
			_, _ = b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(b.queueURL(lane)),
				ReceiptHandle: m.ReceiptHandle,
			})
			continue
		}
		deliveries = append(deliveries, queue.Delivery{
			Lane:    lane,
			Receipt: aws.ToString(m.ReceiptHandle),
			Message: msg,
		})
	}
	return deliveries, nil
}

func (b *Broker) Ack(ctx context.Context, d queue.Delivery) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL(d.Lane)),
		ReceiptHandle: aws.String(d.Receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

func (b *Broker) Nack(ctx context.Context, d queue.Delivery) error {
	_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(b.queueURL(d.Lane)),
		ReceiptHandle:     aws.String(d.Receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}

func (b *Broker) PublishDead(ctx context.Context, dl queue.DeadLetter) error {
	if b.cfg.DLQURL == "" {
		return fmt.Errorf("dead letter queue not configured")
	}

	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.cfg.DLQURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs dead letter send failed: %w", err)
	}

	b.logger.Info("message dead-lettered",
		zap.String("job_id", dl.JobID.String()),
		zap.Int("attempts", dl.FinalAttemptCount),
	)
	return nil
}

func (b *Broker) Depth(ctx context.Context, lane queue.Lane) (int, error) {
	return b.approximateDepth(ctx, b.queueURL(lane))
}

func (b *Broker) DeadLetterCount(ctx context.Context) (int, error) {
	if b.cfg.DLQURL == "" {
		return 0, nil
	}
	return b.approximateDepth(ctx, b.cfg.DLQURL)
}

func (b *Broker) approximateDepth(ctx context.Context, url string) (int, error) {
	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(url),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqs queue attributes failed: %w", err)
	}

	total := 0
	for _, v := range out.Attributes {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}

func (b *Broker) PurgeDeadLetters(ctx context.Context) (int, error) {
	if b.cfg.DLQURL == "" {
		return 0, nil
	}
	count, err := b.approximateDepth(ctx, b.cfg.DLQURL)
	if err != nil {
		return 0, err
	}
	if _, err := b.client.PurgeQueue(ctx, &sqs.PurgeQueueInput{QueueUrl: aws.String(b.cfg.DLQURL)}); err != nil {
		return 0, fmt.Errorf("sqs purge failed: %w", err)
	}
	return count, nil
}

// Ping verifies the default queue is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	_, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(b.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

// Close is a no-op; AWS SDK v2 clients hold no persistent connections.
func (b *Broker) Close() error {
	return nil
}
