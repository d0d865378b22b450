package resilience

import (
	"time"

	"github.com/donorpath/prospect-cli/internal/model"
)

// DLQEntry represents a prospect whose research failed unrecoverably and
// was set aside for manual inspection or requeue.
type DLQEntry struct {
	ID           string         `json:"id"`
	Prospect     model.Prospect `json:"prospect"`
	Error        string         `json:"error"`
	ErrorType    string         `json:"error_type"` // "transient" or "permanent"
	FailedStep   string         `json:"failed_step,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	NextRetryAt  time.Time      `json:"next_retry_at"`
	CreatedAt    time.Time      `json:"created_at"`
	LastFailedAt time.Time      `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}
