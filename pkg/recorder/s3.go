package recorder

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 client used for archiving.
// *s3.Client satisfies it.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads finished recordings to an S3 bucket.
//
// Example usage:
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	archiver := recorder.NewS3Archiver(s3.NewFromConfig(cfg), "recordings", "ux/")
//	rec, err := recorder.OpenFile(dir, time.Now(), recorder.WithArchiver(archiver))
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string

	// RemoveLocal deletes the local file after a successful upload.
	RemoveLocal bool
}

// NewS3Archiver creates an archiver writing objects to bucket under prefix.
func NewS3Archiver(client ObjectPutter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// Key returns the object key used for a local recording path.
func (a *S3Archiver) Key(localPath string) string {
	return path.Join(a.prefix, filepath.Base(localPath))
}

// Archive uploads the file at localPath.
func (a *S3Archiver) Archive(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("recorder: archive open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("recorder: archive stat: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.Key(localPath)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"archived-at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("recorder: s3 upload %s: %w", localPath, err)
	}

	if a.RemoveLocal {
		f.Close()
		if err := os.Remove(localPath); err != nil {
			return fmt.Errorf("recorder: remove archived file: %w", err)
		}
	}
	return nil
}
