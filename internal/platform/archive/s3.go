package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of *s3.Client the archive uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 stores each report as <prefix><id>.html with its parameters in object
// metadata. Objects are private and never overwritten.
type S3 struct {
	client s3API
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3 builds a client from the default AWS credential chain. Path-style
// addressing keeps MinIO and localstack endpoints working.
func NewS3(ctx context.Context, bucket, prefix string) (*S3, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
		UsePathStyle: true,
	})
	return newS3(client, bucket, prefix), nil
}

func newS3(client s3API, bucket, prefix string) *S3 {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

func (s *S3) key(id string) string { return s.prefix + id + ".html" }

func (s *S3) Put(ctx context.Context, meta Report, content io.Reader) (*Report, error) {
	meta, data, err := prepare(meta, content, s.now())
	if err != nil {
		return nil, err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(meta.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(meta.ContentType),
		ACL:         types.ObjectCannedACLPrivate,
		Metadata:    encodeMetadata(meta),
	})
	if err != nil {
		return nil, fmt.Errorf("put report %s: %w", meta.ID, err)
	}
	return &meta, nil
}

func (s *S3) Get(ctx context.Context, id string) (io.ReadCloser, *Report, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get report %s: %w", id, err)
	}
	meta := decodeMetadata(id, out.Metadata)
	meta.ContentType = aws.ToString(out.ContentType)
	meta.Size = aws.ToInt64(out.ContentLength)
	return out.Body, &meta, nil
}

// List walks every object under the prefix and reads its metadata. The
// archive holds a few reports per week, so a full scan stays cheap.
func (s *S3) List(ctx context.Context, f Filter) ([]*Report, int, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	var matched []*Report
	for p.HasMorePages() {
		pg, err := p.NextPage(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("list reports: %w", err)
		}
		for _, obj := range pg.Contents {
			key := aws.ToString(obj.Key)
			id, ok := strings.CutSuffix(strings.TrimPrefix(key, s.prefix), ".html")
			if !ok || id == "" || strings.Contains(id, "/") {
				continue
			}
			head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return nil, 0, fmt.Errorf("head report %s: %w", id, err)
			}
			meta := decodeMetadata(id, head.Metadata)
			meta.ContentType = aws.ToString(head.ContentType)
			meta.Size = aws.ToInt64(head.ContentLength)
			if f.matches(&meta) {
				matched = append(matched, &meta)
			}
		}
	}
	return page(matched, f.Limit, f.Offset), len(matched), nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// S3 user metadata must be ASCII, so free-text values are query-escaped.
func encodeMetadata(r Report) map[string]string {
	return map[string]string{
		"location":     url.QueryEscape(r.Location),
		"period":       url.QueryEscape(r.Period),
		"year":         strconv.Itoa(r.Year),
		"hash":         r.Hash,
		"published-at": r.PublishedAt.Format(time.RFC3339),
		"published-by": url.QueryEscape(r.PublishedBy),
	}
}

func decodeMetadata(id string, md map[string]string) Report {
	unescape := func(k string) string {
		v, err := url.QueryUnescape(md[k])
		if err != nil {
			return md[k]
		}
		return v
	}
	r := Report{
		ID:          id,
		Location:    unescape("location"),
		Period:      unescape("period"),
		Hash:        md["hash"],
		PublishedBy: unescape("published-by"),
	}
	r.Year, _ = strconv.Atoi(md["year"])
	r.PublishedAt, _ = time.Parse(time.RFC3339, md["published-at"])
	return r
}
