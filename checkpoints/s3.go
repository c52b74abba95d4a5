package checkpoints

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"k8s.io/klog/v2"

	"github.com/modularcnn/modularcnn/engine"
	"github.com/modularcnn/modularcnn/errkind"
)

// Uploader is the part of s3manager.Uploader the writer uses
type Uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// NewS3Writer creates a writer that uploads s3:// paths with uploader
func NewS3Writer(uploader Uploader) *Writer {
	return &Writer{uploader: uploader}
}

func (w *Writer) s3Uploader() (Uploader, error) {
	if w.uploader != nil {
		return w.uploader, nil
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errkind.Wrapf(errkind.IO, err, "failed to create AWS session")
	}
	w.uploader = s3manager.NewUploader(sess)
	return w.uploader, nil
}

// saveS3 stages the weights in a temporary file, then uploads weights and manifest
func (w *Writer) saveS3(model engine.Model, bucket, key string, manifest Manifest) error {
	if bucket == "" || key == "" {
		return errkind.Newf(errkind.IO, "invalid S3 checkpoint path s3://%s/%s", bucket, key)
	}
	uploader, err := w.s3Uploader()
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "modularcnn-checkpoint-")
	if err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to create staging directory")
	}
	defer os.RemoveAll(dir)

	staged := filepath.Join(dir, filepath.Base(key))
	if err := model.SaveWeights(staged); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to stage weights")
	}
	weights, err := os.Open(staged)
	if err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to open staged weights")
	}
	defer weights.Close()

	ctx := aws.BackgroundContext()
	if _, err := uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   weights,
	}); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to upload weights to s3://%s/%s", bucket, key)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to marshal manifest")
	}
	if _, err := uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key + ManifestSuffix),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to upload manifest to s3://%s/%s%s", bucket, key, ManifestSuffix)
	}

	klog.Infof("Checkpoint uploaded to s3://%s/%s (%d parameters)", bucket, key, manifest.TotalParameters)
	return nil
}
