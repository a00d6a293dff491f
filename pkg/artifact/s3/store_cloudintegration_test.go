//go:build cloudintegration

package s3

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomatrix/pkg/artifact"
	"github.com/3leaps/gomatrix/test/cloudtest"
)

func newMotoStore(t *testing.T, ctx context.Context, bucket string) *Store {
	t.Helper()
	store, err := New(ctx, Config{
		Bucket:          bucket,
		Region:          cloudtest.Region,
		Endpoint:        cloudtest.Endpoint,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Put_Moto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	store := newMotoStore(t, ctx, bucket)

	body := "wheel bytes"
	err := store.Put(ctx, artifact.Object{
		Key:         "run-1/linux_3.12/toast-1.0.whl",
		Size:        int64(len(body)),
		ContentType: "application/zip",
		Metadata:    map[string]string{"job": "platform=linux,python=3.12", "run-id": "run-1"},
	}, strings.NewReader(body))
	require.NoError(t, err)

	got, meta := cloudtest.GetObject(t, ctx, bucket, "run-1/linux_3.12/toast-1.0.whl")
	assert.Equal(t, body, string(got))
	assert.Equal(t, "run-1", meta["run-id"])
	assert.Equal(t, []string{"run-1/linux_3.12/toast-1.0.whl"}, cloudtest.ListKeys(t, ctx, bucket, "run-1/"))
}

func TestStore_Put_MissingBucket_Moto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	store := newMotoStore(t, ctx, "gomatrix-missing-bucket")

	err := store.Put(ctx, artifact.Object{Key: "k", Size: 1}, strings.NewReader("x"))
	require.Error(t, err)
	assert.True(t, artifact.IsBucketNotFound(err))
}
