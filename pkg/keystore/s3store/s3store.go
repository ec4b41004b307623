// Package s3store is a second keystore.BlobStore backend, storing each
// key blob as an S3 object keyed by hex digest. It mirrors the
// teacher's narrow wrapping of the AWS SDK behind a storage interface
// (file/s3file in the example pack), trimmed to the two operations
// keystore.BlobStore needs.
package s3store

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acrucker/keyserver/pkg/digest"
)

// Store is a keystore.BlobStore backed by one S3 object per digest,
// under an optional key prefix.
type Store struct {
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucket     string
	prefix     string
}

// New returns a Store using sess against bucket, storing objects under
// prefix + hex-digest.
func New(sess *session.Session, bucket, prefix string) *Store {
	return &Store{
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
		bucket:     bucket,
		prefix:     prefix,
	}
}

func (s *Store) key(d digest.Digest) string {
	return s.prefix + d.String()
}

// Get implements keystore.BlobStore.
func (s *Store) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	buf := aws.NewWriteAtBuffer(nil)
	_, err := s.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(d)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, status.Errorf(codes.NotFound, "s3store: digest %s not found", d)
		}
		return nil, status.Errorf(codes.Unavailable, "s3store: get %s: %s", d, err)
	}
	return buf.Bytes(), nil
}

// Put implements keystore.BlobStore. S3 PutObject is naturally
// idempotent for identical keys, matching the at-most-once contract;
// a HeadObject check short-circuits the upload when the object already
// exists, avoiding redundant writes under reconciliation storms.
func (s *Store) Put(ctx context.Context, d digest.Digest, raw []byte) error {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(d)),
	})
	if err == nil {
		return nil
	}

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(d)),
		Body:   bytes.NewReader(raw),
	})
	if err != nil {
		return status.Errorf(codes.ResourceExhausted, "s3store: put %s: %s", d, err)
	}
	return nil
}
