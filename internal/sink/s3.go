package sink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/config"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/parser"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/reliability"
	"github.com/therealutkarshpriyadarshi/machinetail/pkg/types"
)

// ObjectPutter is the part of the S3 client the warehouse needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Warehouse stores every record as its own JSON object, partitioned by
// machine and day of the record timestamp
type S3Warehouse struct {
	cfg      config.S3Config
	client   ObjectPutter
	encoding objectEncoding
}

// NewS3Warehouse loads AWS credentials from the default chain
func NewS3Warehouse(ctx context.Context, cfg config.S3Config) (*S3Warehouse, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("no region specified")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return NewS3WarehouseWithClient(s3.NewFromConfig(awsCfg, opts...), cfg)
}

// NewS3WarehouseWithClient uses an existing client
func NewS3WarehouseWithClient(client ObjectPutter, cfg config.S3Config) (*S3Warehouse, error) {
	encoding, err := lookupEncoding(cfg.Compression)
	if err != nil {
		return nil, err
	}

	return &S3Warehouse{
		cfg:      cfg,
		client:   client,
		encoding: encoding,
	}, nil
}

func (s *S3Warehouse) Append(ctx context.Context, rec types.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return reliability.Permanent(fmt.Errorf("failed to marshal record: %w", err))
	}

	key, err := s.objectKey(rec, data)
	if err != nil {
		return reliability.Permanent(err)
	}

	data, err = s.encoding.encode(data)
	if err != nil {
		return reliability.Permanent(fmt.Errorf("failed to compress data: %w", err))
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"machine": rec[types.FieldMachine],
			"status":  rec[types.FieldStatus],
		},
	}

	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}

	if s.encoding.name != "" {
		input.ContentEncoding = aws.String(s.encoding.name)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// objectKey builds prefix/machine/YYYY/MM/DD/<unix>-<counter>-<digest>.json.
// The digest covers the encoded record, so distinct records sharing a
// second and counter get their own objects and a retried put overwrites
// only itself.
func (s *S3Warehouse) objectKey(rec types.Record, body []byte) (string, error) {
	ts, err := time.Parse(parser.OutputLayout, rec[types.FieldTimestamp])
	if err != nil {
		return "", fmt.Errorf("invalid record timestamp %q: %w", rec[types.FieldTimestamp], err)
	}
	ts = ts.UTC()

	machine := strings.ReplaceAll(rec[types.FieldMachine], "/", "_")
	if machine == "" {
		machine = "unknown"
	}

	sum := sha256.Sum256(body)
	name := fmt.Sprintf("%d-%s-%s.json%s", ts.Unix(), strings.TrimSpace(rec[types.FieldCounter]), hex.EncodeToString(sum[:4]), s.encoding.suffix)
	key := path.Join(machine, ts.Format("2006"), ts.Format("01"), ts.Format("02"), name)

	if s.cfg.Prefix != "" {
		key = strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + key
	}
	return key, nil
}

func (s *S3Warehouse) Name() string { return "s3" }

func (s *S3Warehouse) Close() error { return nil }
