package connector

import (
	"bytes"
	"context"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// StorageConfig configures the S3-compatible object storage connector.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// StorageConnector uploads objects to and presigns download links from an
// S3-compatible store (MinIO, AWS S3, R2).
type StorageConnector struct {
	base
	cfg    StorageConfig
	client *minio.Client
}

// NewStorageConnector builds the connector. A bad endpoint surfaces through
// Health rather than an error here, so a misconfigured deployment still
// boots and reports itself unhealthy.
func NewStorageConnector(cfg StorageConfig) *StorageConnector {
	c := &StorageConnector{
		base: newBase(models.ConnectorDescriptor{
			Name:         "storage",
			Version:      "1.0.0",
			Description:  "S3-compatible object storage",
			Capabilities: []string{"upload_object", "presign_object"},
			AuthSchemes:  []models.AuthScheme{models.AuthAPIKey},
			Baseline:     models.PerformanceBaseline{P50Ms: 300, P99Ms: 4000, UnitCostUSD: 0.0001},
		}),
		cfg: cfg,
	}
	if cfg.Endpoint != "" {
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err == nil {
			c.client = client
		}
	}
	return c
}

func (c *StorageConnector) Health(ctx context.Context) models.Health {
	if c.client == nil {
		return healthConfigError(c.desc.Name, "storage endpoint not configured")
	}
	start := time.Now()
	exists, err := c.client.BucketExists(ctx, c.cfg.Bucket)
	h := models.Health{
		Connector: c.desc.Name,
		LatencyMs: time.Since(start).Milliseconds(),
		CheckedAt: time.Now().UTC(),
	}
	switch {
	case err != nil:
		h.Error = err.Error()
		h.ErrorCode = models.ErrCodeTransient
	case !exists:
		h.Error = "bucket does not exist: " + c.cfg.Bucket
		h.ErrorCode = models.ErrCodeConfig
	default:
		h.Healthy = true
	}
	return h
}

func (c *StorageConnector) EstimateCost(_ string, _ map[string]any) models.CostEstimate {
	return perCallEstimate(c.desc.Baseline.UnitCostUSD)
}

func (c *StorageConnector) Execute(ctx context.Context, req contracts.ExecuteRequest) (models.CallResult, error) {
	return c.run(ctx, req, c.call)
}

func (c *StorageConnector) call(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	if c.client == nil {
		return models.FailedCall(models.ErrCodeConfig, "storage endpoint not configured", false)
	}
	switch req.Action {
	case "upload_object":
		return c.upload(ctx, req)
	case "presign_object":
		return c.presign(ctx, req)
	default:
		return models.FailedCall(models.ErrCodeUnsupportedAction, "unsupported action: "+req.Action, false)
	}
}

func (c *StorageConnector) upload(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	key := strParam(req.Params, "key")
	if key == "" {
		return models.FailedCall(models.ErrCodeValidation, "missing required param: key", false)
	}
	var data []byte
	if fileKey := strParam(req.Params, "file"); fileKey != "" {
		data = req.Files[fileKey]
	} else if body := strParam(req.Params, "content"); body != "" {
		data = []byte(body)
	}
	if len(data) == 0 {
		return models.FailedCall(models.ErrCodeValidation, "nothing to upload: set file or content", false)
	}

	contentType := strParam(req.Params, "content_type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := c.client.PutObject(ctx, c.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		code, retryable := classifyErr(err)
		if resp := minio.ToErrorResponse(err); resp.StatusCode != 0 {
			code, retryable = classifyStatus(resp.StatusCode)
		}
		return models.FailedCall(code, err.Error(), retryable)
	}

	return models.CallResult{
		OK: true,
		Data: map[string]any{
			"bucket": info.Bucket,
			"key":    info.Key,
			"etag":   info.ETag,
			"size":   info.Size,
		},
		Proofs: []models.Proof{
			c.proof("object_etag", info.ETag),
			c.hashProof("content_hash", data),
		},
	}
}

func (c *StorageConnector) presign(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	key := strParam(req.Params, "key")
	if key == "" {
		return models.FailedCall(models.ErrCodeValidation, "missing required param: key", false)
	}
	expiry := 15 * time.Minute
	if secs := numParam(req.Params, "expiry_sec"); secs > 0 {
		expiry = time.Duration(secs) * time.Second
	}

	u, err := c.client.PresignedGetObject(ctx, c.cfg.Bucket, key, expiry, url.Values{})
	if err != nil {
		code, retryable := classifyErr(err)
		return models.FailedCall(code, err.Error(), retryable)
	}

	return models.CallResult{
		OK: true,
		Data: map[string]any{
			"url":        u.String(),
			"expires_at": time.Now().UTC().Add(expiry).Format(time.RFC3339),
		},
		Proofs: []models.Proof{
			c.hashProof("presigned_url", u.String()),
		},
	}
}

var _ contracts.Connector = (*StorageConnector)(nil)
