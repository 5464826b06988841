// Package awsprovider implements the provider interfaces on AWS: EC2 for
// compute, ECS for placement, Cloud Map for discovery, SSM for remote
// commands and S3 for definitions and batch output.
package awsprovider

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/servicediscovery"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/cuemby/flotilla/pkg/log"
)

// Config selects the account, region and cluster resources to use
type Config struct {
	Region          string
	AccessKeyID     string // static credentials; the default chain is used when empty
	SecretAccessKey string
	Cluster         string // ECS cluster name
	NamespaceID     string // Cloud Map namespace id
	S3Endpoint      string // S3-compatible endpoint override
	WaitTimeout     time.Duration
	TaskDefCache    int
}

// DefaultWaitTimeout bounds every waiter call
const DefaultWaitTimeout = 15 * time.Minute

// Clients bundles the provider implementations built from one AWS config
type Clients struct {
	Compute   *Compute
	Placement *Placement
	Discovery *CloudMap
	Commander *Commander
	Objects   *S3
}

// LoadAWSConfig resolves the SDK configuration for cfg
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// New builds every provider client for cfg
func New(ctx context.Context, cfg Config) (*Clients, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}

	placement, err := NewPlacement(ecs.NewFromConfig(awsCfg), cfg.Cluster, cfg.TaskDefCache, cfg.WaitTimeout)
	if err != nil {
		return nil, err
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	log.Logger.Debug().
		Str("component", "awsprovider").
		Str("region", awsCfg.Region).
		Str("cluster", cfg.Cluster).
		Msg("AWS clients configured")

	return &Clients{
		Compute:   NewCompute(ec2.NewFromConfig(awsCfg), cfg.WaitTimeout),
		Placement: placement,
		Discovery: NewCloudMap(servicediscovery.NewFromConfig(awsCfg), cfg.NamespaceID),
		Commander: NewCommander(ssm.NewFromConfig(awsCfg)),
		Objects:   NewS3(s3Client),
	}, nil
}
