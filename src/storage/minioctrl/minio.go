package minioctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"webrag/src/core/knowledge"
)

const DefaultSnapshotsBucket = "document-snapshots"

type MinioService struct {
	client *minio.Client
	bucket string
}

var _ knowledge.Archive = (*MinioService)(nil)

func NewMinioService(endpoint, accessKeyID, secretAccessKey string, useSSL bool, bucket string) (*MinioService, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %v", err)
	}
	if bucket == "" {
		bucket = DefaultSnapshotsBucket
	}

	return &MinioService{
		client: client,
		bucket: bucket,
	}, nil
}

func (s *MinioService) EnsureBucketExists(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %v", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %v", err)
		}
	}

	return nil
}

// SnapshotObjectName is where a document generation is archived.
func SnapshotObjectName(documentRef, generation string) string {
	return path.Join(documentRef, generation+".json")
}

// Store archives a document snapshot. Generations are content addressed, so
// storing the same generation twice writes identical bytes.
func (s *MinioService) Store(ctx context.Context, doc knowledge.Document, generation string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %v", err)
	}

	reader := bytes.NewReader(data)
	_, err = s.client.PutObject(ctx, s.bucket, SnapshotObjectName(doc.Ref, generation), reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %v", err)
	}

	return nil
}

func (s *MinioService) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
