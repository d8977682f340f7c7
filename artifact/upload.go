package artifact

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.uber.org/zap"
)

// Uploader copies a finalized artifact somewhere durable and returns its location.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// S3Uploader puts artifacts into an S3 bucket under Prefix/<file name>.
type S3Uploader struct {
	Log    *zap.SugaredLogger
	Client s3iface.S3API
	Bucket string
	Prefix string
}

// NewS3Uploader builds an uploader from the shared AWS configuration.
func NewS3Uploader(bucket, prefix string) (*S3Uploader, error) {
	sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
	if err != nil {
		return nil, fmt.Errorf("creating AWS Go SDK session: %w", err)
	}
	return &S3Uploader{
		Log:    zap.NewNop().Sugar(),
		Client: s3.New(sess),
		Bucket: bucket,
		Prefix: prefix,
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening to send to S3: %w", err)
	}
	defer f.Close()

	key := path.Join(u.Prefix, filepath.Base(localPath))
	_, err = u.Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("putting to S3: %w", err)
	}
	location := fmt.Sprintf("s3://%s/%s", u.Bucket, key)
	if u.Log != nil {
		u.Log.Debugw("uploaded artifact", "Path", localPath, "Location", location)
	}
	return location, nil
}
