// Package s3x 把已标注的帧上传到 S3（或兼容 S3 的存储），用于汇总训练/核对数据集。
package s3x

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config 的 Region/Profile 为空时走 AWS 默认配置链。
type Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Profile      string
	UsePathStyle bool
}

// Enabled 仅在配置了 bucket 时为 true。
func (c Config) Enabled() bool { return strings.TrimSpace(c.Bucket) != "" }

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader 上传单个文件。
type Uploader struct {
	client putObjectAPI
	bucket string
	prefix string
}

// New 使用默认 AWS 配置链创建 Uploader。
func New(ctx context.Context, cfg Config) (*Uploader, error) {
	if !cfg.Enabled() {
		return nil, errors.New("未配置 bucket")
	}
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	c := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newWithClient(c, cfg), nil
}

func newWithClient(c putObjectAPI, cfg Config) *Uploader {
	return &Uploader{client: c, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// Key 生成对象键：<prefix><视频名去扩展名>/<帧文件名>。
func (u *Uploader) Key(video, frame string) string {
	base := path.Base(strings.ReplaceAll(video, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	return u.prefix + path.Join(base, frame)
}

// Publish 上传一个已标注帧，返回对象键。本地文件不做任何改动。
func (u *Uploader) Publish(ctx context.Context, video, framePath string) (string, error) {
	key := u.Key(video, path.Base(strings.ReplaceAll(framePath, "\\", "/")))
	f, err := os.Open(framePath)
	if err != nil {
		return key, err
	}
	defer f.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return key, fmt.Errorf("上传 s3://%s/%s: %w", u.bucket, key, err)
	}
	return key, nil
}
