package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"framemill/internal/models"
)

const (
	defaultBlobRequestTimeout = 10 * time.Second
	snapshotKeyPrefix         = "job-snapshots/"
	maxSnapshotBytes          = 16 << 20
)

// BlobConfig configures the S3-compatible snapshot tier. Leaving Bucket or
// Endpoint empty disables the tier.
type BlobConfig struct {
	Bucket         string
	Endpoint       string
	UseSSL         bool
	AccessKey      string
	SecretKey      string
	Region         string
	Prefix         string
	RequestTimeout time.Duration
}

// BlobStore mirrors job records as JSON documents under
// job-snapshots/{jobID}.json in an S3-compatible bucket, signing requests
// with AWS Signature V4. Requests are unsigned when no credentials are
// configured, which suits anonymous-write test buckets.
type BlobStore struct {
	cfg      BlobConfig
	endpoint *url.URL
	client   *http.Client
}

// NewBlobStore parses the endpoint and returns a disabled store when the
// bucket or endpoint is not configured.
func NewBlobStore(cfg BlobConfig) (*BlobStore, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultBlobRequestTimeout
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if cfg.Bucket == "" || endpoint == "" {
		return &BlobStore{cfg: cfg}, nil
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse blob endpoint: %w", err)
		}
		endpoint = parsed.Host
	}
	base := &url.URL{Scheme: scheme, Host: endpoint}
	if base.Host == "" {
		return nil, fmt.Errorf("blob endpoint %q has no host", cfg.Endpoint)
	}
	return &BlobStore{
		cfg:      cfg,
		endpoint: base,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}

func (b *BlobStore) Name() string { return "blob" }

// Enabled reports whether a bucket endpoint is configured.
func (b *BlobStore) Enabled() bool { return b != nil && b.endpoint != nil }

// Store uploads the job record as a JSON document.
func (b *BlobStore) Store(ctx context.Context, job models.Job) error {
	if !b.Enabled() {
		return nil
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return b.upload(ctx, snapshotKey(job.ID), "application/json", payload)
}

// Load fetches and decodes the document for id. A missing object is not an
// error.
func (b *BlobStore) Load(ctx context.Context, id string) (models.Job, bool, error) {
	if !b.Enabled() {
		return models.Job{}, false, nil
	}
	data, found, err := b.download(ctx, snapshotKey(id))
	if err != nil || !found {
		return models.Job{}, false, err
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return models.Job{}, false, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, true, nil
}

// Delete removes the document for id.
func (b *BlobStore) Delete(ctx context.Context, id string) error {
	if !b.Enabled() {
		return nil
	}
	finalKey := b.applyPrefix(snapshotKey(id))
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.objectURL(finalKey).String(), nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	b.signRequest(request, emptyPayloadHash)
	response, err := b.client.Do(request)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", finalKey, err)
	}
	defer drainBody(response)
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("delete object %s: unexpected status %d", finalKey, response.StatusCode)
}

func snapshotKey(id string) string {
	return snapshotKeyPrefix + id + ".json"
}

func (b *BlobStore) upload(ctx context.Context, key, contentType string, body []byte) error {
	finalKey := b.applyPrefix(key)
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, b.objectURL(finalKey).String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	b.signRequest(request, hashSHA256Hex(body))
	response, err := b.client.Do(request)
	if err != nil {
		return fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	defer drainBody(response)
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("upload object %s: unexpected status %d", finalKey, response.StatusCode)
	}
	return nil
}

func (b *BlobStore) download(ctx context.Context, key string) ([]byte, bool, error) {
	finalKey := b.applyPrefix(key)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, b.objectURL(finalKey).String(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("create download request: %w", err)
	}
	b.signRequest(request, emptyPayloadHash)
	response, err := b.client.Do(request)
	if err != nil {
		return nil, false, fmt.Errorf("download object %s: %w", finalKey, err)
	}
	defer drainBody(response)
	if response.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, false, fmt.Errorf("download object %s: unexpected status %d", finalKey, response.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(response.Body, maxSnapshotBytes))
	if err != nil {
		return nil, false, fmt.Errorf("read object %s: %w", finalKey, err)
	}
	return data, true, nil
}

func drainBody(response *http.Response) {
	_, _ = io.Copy(io.Discard, response.Body)
	_ = response.Body.Close()
}

func (b *BlobStore) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(b.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func (b *BlobStore) objectURL(finalKey string) *url.URL {
	path := "/" + strings.TrimLeft(b.cfg.Bucket, "/")
	if trimmedKey := strings.TrimLeft(finalKey, "/"); trimmedKey != "" {
		path += "/" + trimmedKey
	}
	u := *b.endpoint
	u.Path = path
	return &u
}

func (b *BlobStore) signRequest(req *http.Request, payloadHash string) {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	accessKey := strings.TrimSpace(b.cfg.AccessKey)
	secretKey := strings.TrimSpace(b.cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return
	}
	region := strings.TrimSpace(b.cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hash := sha256.Sum256([]byte(canonicalRequest))
	scope := strings.Join([]string{dateStamp, region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signingKey := deriveSigningKey(secretKey, dateStamp, region)
	signature := hmacSHA256Hex(signingKey, stringToSign)
	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey,
		scope,
		signedHeaders,
		signature,
	))
}

func canonicalizeHeaders(req *http.Request) (string, string) {
	headerMap := make(map[string][]string)
	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(v))
		}
		headerMap[lower] = cleaned
	}
	if _, ok := headerMap["host"]; !ok && req.Host != "" {
		headerMap["host"] = []string{req.Host}
	}
	keys := make([]string, 0, len(headerMap))
	for key := range headerMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	signed := make([]string, 0, len(keys))
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteByte(':')
		builder.WriteString(strings.Join(headerMap[key], ","))
		builder.WriteByte('\n')
		signed = append(signed, key)
	}
	return builder.String(), strings.Join(signed, ";")
}

func canonicalURI(u *url.URL) string {
	if u == nil {
		return "/"
	}
	path := u.EscapedPath()
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func canonicalQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for idx, key := range keys {
		if idx > 0 {
			builder.WriteByte('&')
		}
		sort.Strings(values[key])
		for vIdx, value := range values[key] {
			if vIdx > 0 {
				builder.WriteByte('&')
			}
			builder.WriteString(url.QueryEscape(key))
			builder.WriteByte('=')
			builder.WriteString(url.QueryEscape(value))
		}
	}
	return builder.String()
}

func deriveSigningKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

var emptyPayloadHash = hashSHA256Hex(nil)

func hashSHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
