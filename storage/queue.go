package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
)

// ProjectionAlert is enqueued whenever the read model fails to follow a
// committed mutation.
type ProjectionAlert struct {
	Op       string    `json:"op"`
	EventID  string    `json:"eventId,omitempty"`
	Error    string    `json:"error"`
	RaisedAt time.Time `json:"raisedAt"`
}

// RepairMessage is a dequeued alert together with its queue receipt.
type RepairMessage struct {
	ID         string
	PopReceipt string
	Alert      ProjectionAlert
}

// RepairQueue carries projection alerts to the read-model updater.
type RepairQueue struct {
	queue *azqueue.QueueClient
}

// NewRepairQueue opens the queue named queueName.
func NewRepairQueue(connStr, queueName string) (*RepairQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &RepairQueue{queue: q}, nil
}

// EnsureQueue creates the queue if it is missing.
func (r *RepairQueue) EnsureQueue(ctx context.Context) error {
	_, err := r.queue.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists" {
			return nil
		}
		return err
	}
	return nil
}

// Enqueue publishes an alert.
func (r *RepairQueue) Enqueue(ctx context.Context, alert ProjectionAlert) error {
	data, err := sonic.Marshal(alert)
	if err != nil {
		return err
	}
	_, err = r.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// Dequeue retrieves a single alert, or nil when the queue is empty.
func (r *RepairQueue) Dequeue(ctx context.Context) (*RepairMessage, error) {
	resp, err := r.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	out := &RepairMessage{}
	if msg.MessageID != nil {
		out.ID = *msg.MessageID
	}
	if msg.PopReceipt != nil {
		out.PopReceipt = *msg.PopReceipt
	}
	if msg.MessageText != nil {
		if err := sonic.Unmarshal([]byte(*msg.MessageText), &out.Alert); err != nil {
			out.Alert = ProjectionAlert{Op: "unknown", Error: *msg.MessageText}
		}
	}
	return out, nil
}

// Delete removes a processed alert from the queue.
func (r *RepairQueue) Delete(ctx context.Context, msg *RepairMessage) error {
	_, err := r.queue.DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	return err
}
