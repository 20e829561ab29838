package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-ocr-client/internal/cache"
)

const jobCacheNamespace = "jobs"

// CachingClient serves terminal job statuses from a cache. Queued and
// processing statuses always go to the backend.
type CachingClient struct {
	Client
	cache  cache.Cache
	ttl    time.Duration
	logger *logrus.Logger
}

// NewCachingClient wraps next with a job status cache.
func NewCachingClient(next Client, c cache.Cache, ttl time.Duration, logger *logrus.Logger) *CachingClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CachingClient{Client: next, cache: c, ttl: ttl, logger: logger}
}

// JobStatus implements Client.
func (c *CachingClient) JobStatus(ctx context.Context, documentID string) (*ProcessingJob, error) {
	if entry, ok := c.cache.Get(ctx, jobCacheNamespace, documentID); ok {
		var job ProcessingJob
		if err := json.Unmarshal(entry.Data, &job); err == nil {
			return &job, nil
		}
		_ = c.cache.Delete(ctx, jobCacheNamespace, documentID)
	}

	job, err := c.Client.JobStatus(ctx, documentID)
	if err != nil {
		return nil, err
	}

	if job.Status.IsTerminal() {
		data, err := json.Marshal(job)
		if err == nil {
			if err := c.cache.Set(ctx, jobCacheNamespace, documentID, data, map[string]string{"status": string(job.Status)}, c.ttl); err != nil {
				c.logger.WithError(err).WithField("document_id", documentID).Debug("Failed to cache job status")
			}
		}
	}
	return job, nil
}
