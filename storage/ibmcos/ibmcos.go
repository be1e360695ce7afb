// Package ibmcos implements the internal-storage contract on IBM Cloud
// Object Storage through its S3-compatible API.
package ibmcos

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/cloudbutton/gowren/config"
	"github.com/cloudbutton/gowren/pkg/logger"
	"github.com/cloudbutton/gowren/storage"
)

const metaSuffix = ".meta.json"

// Client talks to one COS bucket. Safe for concurrent use.
type Client struct {
	api    s3iface.S3API
	bucket string
	prefix string
}

// New builds a COS client from the ibm_cos section of the configuration.
func New(cfg *config.Config) (*Client, error) {
	cos := cfg.IBMCOS
	if cos.Endpoint == "" {
		return nil, fmt.Errorf("ibm_cos.endpoint is required")
	}
	if cfg.Pywren.StorageBucket == "" {
		return nil, fmt.Errorf("pywren.storage_bucket is required")
	}

	awsCfg := aws.NewConfig().
		WithEndpoint(cos.Endpoint).
		WithRegion(cos.Region).
		WithS3ForcePathStyle(true).
		WithCredentials(credentials.NewStaticCredentials(cos.AccessKey, cos.SecretKey, ""))

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create COS session: %w", err)
	}

	return &Client{
		api:    s3.New(sess),
		bucket: cfg.Pywren.StorageBucket,
		prefix: cfg.Pywren.StoragePrefix,
	}, nil
}

// NewWithAPI wires an explicit S3 API implementation; used by tests.
func NewWithAPI(api s3iface.S3API, bucket, prefix string) *Client {
	return &Client{api: api, bucket: bucket, prefix: prefix}
}

// GetRuntimeMeta fetches and decodes the runtime metadata object.
func (c *Client) GetRuntimeMeta(runtimeKey string) (storage.RuntimeMeta, error) {
	var meta storage.RuntimeMeta

	out, err := c.api.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(runtimeKey + metaSuffix),
	})
	if err != nil {
		return meta, fmt.Errorf("runtime meta %s not readable: %w", runtimeKey, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return meta, fmt.Errorf("runtime meta %s read failed: %w", runtimeKey, err)
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return meta, fmt.Errorf("runtime meta %s is not valid JSON: %w", runtimeKey, err)
	}
	return meta, nil
}

// PutRuntimeMeta persists runtime metadata as JSON.
func (c *Client) PutRuntimeMeta(runtimeKey string, meta storage.RuntimeMeta) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode runtime meta: %w", err)
	}
	_, err = c.api.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(runtimeKey + metaSuffix),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to store runtime meta %s: %w", runtimeKey, err)
	}
	logger.Debug("Stored runtime meta %s%s", runtimeKey, metaSuffix)
	return nil
}

// GetJobStatus lists the job's key space and returns the call ids that
// have written their status record.
func (c *Client) GetJobStatus(executorID, jobID string) ([]string, error) {
	prefix := storage.JobPrefix(c.prefix, executorID, jobID)

	var callIDs []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}
	err := c.api.ListObjectsV2Pages(input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if !strings.HasSuffix(key, "/status.json") {
				continue
			}
			parts := strings.Split(key, "/")
			if len(parts) < 2 {
				continue
			}
			callIDs = append(callIDs, parts[len(parts)-2])
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list job status for %s/%s: %w", executorID, jobID, err)
	}
	return callIDs, nil
}
