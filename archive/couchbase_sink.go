package archive

import (
	"context"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/pkg/errors"
)

type CouchbaseOptions struct {
	Addr       string
	Username   string
	Password   string
	Bucket     string
	Scope      string
	Collection string
}

// CouchbaseSink upserts samples as documents keyed by their content id.
type CouchbaseSink struct {
	cluster    *gocb.Cluster
	collection *gocb.Collection
	retries    int
}

func NewCouchbaseSink(opts CouchbaseOptions) (*CouchbaseSink, error) {
	cluster, err := gocb.Connect(
		opts.Addr,
		gocb.ClusterOptions{
			Username:             opts.Username,
			Password:             opts.Password,
			CircuitBreakerConfig: gocb.CircuitBreakerConfig{Disabled: true},
		})
	if err != nil {
		return nil, errors.Wrap(err, "connect couchbase")
	}

	bucket := cluster.Bucket(opts.Bucket)
	if err := bucket.WaitUntilReady(5*time.Second, nil); err != nil {
		cluster.Close(nil)
		return nil, errors.Wrapf(err, "bucket %s not ready", opts.Bucket)
	}

	scope := bucket.DefaultScope()
	if opts.Scope != "" {
		scope = bucket.Scope(opts.Scope)
	}
	collection := scope.Collection(opts.Collection)
	if opts.Collection == "" {
		collection = bucket.DefaultCollection()
	}

	return &CouchbaseSink{cluster: cluster, collection: collection, retries: 5}, nil
}

func (s *CouchbaseSink) Commit(ctx context.Context, samples []Sample) error {
	for _, sample := range samples {
		if err := s.upsert(ctx, sample); err != nil {
			return err
		}
	}
	return nil
}

func (s *CouchbaseSink) upsert(ctx context.Context, sample Sample) error {
	var err error
	for retries := 1; retries <= s.retries; retries++ {
		if _, err = s.collection.Upsert(sample.ID, sample, &gocb.UpsertOptions{Timeout: 5 * time.Second}); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond * 100 * time.Duration(retries)):
		}
	}
	return errors.Wrapf(err, "upsert %s", sample.ID)
}

func (s *CouchbaseSink) Close() error {
	return s.cluster.Close(nil)
}
