// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nishisan-dev/n-myth/internal/config"
)

// s3Head é o subconjunto do cliente S3 usado pelo sink.
type s3Head interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// s3Uploader é o subconjunto do manager.Uploader usado pelo sink.
type s3Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink envia os arquivos para um bucket S3 ou compatível (MinIO, Ceph).
// O upload é multipart e em streaming: o tamanho final não precisa ser conhecido.
type S3Sink struct {
	bucket   string
	prefix   string
	client   s3Head
	uploader s3Uploader
}

// NewS3Sink cria o cliente S3 a partir da configuração. Sem access_key usa a
// cadeia padrão de credenciais do SDK (env, profile, IMDS).
func NewS3Sink(ctx context.Context, info config.S3SinkInfo) (*S3Sink, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(info.Region)}
	if info.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(info.AccessKey, info.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if info.Endpoint != "" {
			o.BaseEndpoint = aws.String(info.Endpoint)
		}
		o.UsePathStyle = info.UsePathStyle
	})

	return newS3Sink(info.Bucket, info.Prefix, client, manager.NewUploader(client)), nil
}

func newS3Sink(bucket, prefix string, client s3Head, uploader s3Uploader) *S3Sink {
	return &S3Sink{bucket: bucket, prefix: prefix, client: client, uploader: uploader}
}

// Name implementa Sink.
func (s *S3Sink) Name() string { return "s3://" + path.Join(s.bucket, s.prefix) }

func (s *S3Sink) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Exists implementa Sink via HeadObject.
func (s *S3Sink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("head s3 object %s: %w", key, err)
}

// Put implementa Sink.
func (s *S3Sink) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("upload s3 object %s: %w", key, err)
	}
	return nil
}
