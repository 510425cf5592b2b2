// Package s3store is a storage.Provider backed by S3 objects.
//
// Layout, with namespace and key path-escaped:
//
//	{prefix}/{namespace}/entries/{key}.json   JSON entry
//	{prefix}/{namespace}/alarm                alarm as decimal epoch ms
//
// S3 throttles per prefix, so every request waits on a shared token bucket.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/ratelimitd/internal/storage"
	"github.com/keithlinneman/ratelimitd/internal/xerrors"
)

const (
	// DefaultRequestsPerSecond stays well under the S3 per-prefix GET and PUT limits
	DefaultRequestsPerSecond = 500

	// maxDeleteBatch is the DeleteObjects limit
	maxDeleteBatch = 1000

	entriesDir = "entries"
	alarmName  = "alarm"
	entryExt   = ".json"
)

// API is the subset of *s3.Client the store calls
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type Options struct {
	Client API
	Bucket string
	Prefix string
	// RequestsPerSecond paces all requests from this provider, zero uses the default
	RequestsPerSecond float64
}

type Provider struct {
	client  API
	bucket  string
	prefix  string
	limiter *rate.Limiter
}

func New(opts Options) (*Provider, error) {
	if opts.Client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("s3 bucket is required")
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Provider{
		client:  opts.Client,
		bucket:  opts.Bucket,
		prefix:  strings.Trim(opts.Prefix, "/"),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

func (p *Provider) nsPrefix(ns string) string {
	esc := url.PathEscape(ns)
	if p.prefix == "" {
		return esc + "/"
	}
	return p.prefix + "/" + esc + "/"
}

func (p *Provider) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return xerrors.Wrap(err, "s3 request pacing")
	}
	return nil
}

func (p *Provider) Open(ns string) storage.Storage {
	base := p.nsPrefix(ns)
	return &Store{
		p:          p,
		entriesDir: base + entriesDir + "/",
		alarmKey:   base + alarmName,
	}
}

// Alarms lists namespaces with a delimited listing, so entry objects are
// never enumerated, then reads each namespace's alarm object
func (p *Provider) Alarms(ctx context.Context) (map[string]time.Time, error) {
	root := ""
	if p.prefix != "" {
		root = p.prefix + "/"
	}
	dirs, err := p.listPrefixes(ctx, root)
	if err != nil {
		return nil, err
	}

	out := make(map[string]time.Time)
	for _, dir := range dirs {
		escNS := strings.TrimSuffix(strings.TrimPrefix(dir, root), "/")
		ns, err := url.PathUnescape(escNS)
		if err != nil {
			continue
		}
		at, found, err := p.readAlarm(ctx, dir+alarmName)
		if err != nil {
			return nil, err
		}
		if found {
			out[ns] = at
		}
	}
	return out, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
	if err != nil {
		return xerrors.Wrapf(err, "s3 head bucket %s", p.bucket)
	}
	return nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, xerrors.Wrapf(err, "s3 list %s", prefix)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated || out.NextContinuationToken == nil {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

// listPrefixes returns the common prefixes one level below prefix
func (p *Provider) listPrefixes(ctx context.Context, prefix string) ([]string, error) {
	var dirs []string
	var token *string
	for {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, xerrors.Wrapf(err, "s3 list prefixes %s", prefix)
		}
		for _, cp := range out.CommonPrefixes {
			if cp.Prefix != nil {
				dirs = append(dirs, *cp.Prefix)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated || out.NextContinuationToken == nil {
			return dirs, nil
		}
		token = out.NextContinuationToken
	}
}

// getObject returns found=false for a missing key
func (p *Provider) getObject(ctx context.Context, key string) ([]byte, bool, error) {
	if err := p.wait(ctx); err != nil {
		return nil, false, err
	}
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, false, nil
		}
		return nil, false, xerrors.Wrapf(err, "s3 get %s", key)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, xerrors.Wrapf(err, "s3 read %s", key)
	}
	return b, true, nil
}

func (p *Provider) putObject(ctx context.Context, key string, body []byte, contentType string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return xerrors.Wrapf(err, "s3 put %s", key)
	}
	return nil
}

func (p *Provider) readAlarm(ctx context.Context, key string) (time.Time, bool, error) {
	b, found, err := p.getObject(ctx, key)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return time.Time{}, false, xerrors.Wrapf(err, "s3 parse alarm %s", key)
	}
	return time.UnixMilli(ms), true, nil
}

// Store is the view of one namespace
type Store struct {
	p          *Provider
	entriesDir string
	alarmKey   string
}

var _ storage.Storage = (*Store)(nil)

func (s *Store) entryKey(key string) string {
	return s.entriesDir + url.PathEscape(key) + entryExt
}

func (s *Store) Get(ctx context.Context, key string) (storage.Entry, bool, error) {
	b, found, err := s.p.getObject(ctx, s.entryKey(key))
	if err != nil || !found {
		return storage.Entry{}, false, err
	}
	e, err := storage.DecodeEntry(b)
	if err != nil {
		return storage.Entry{}, false, err
	}
	return e, true, nil
}

func (s *Store) Put(ctx context.Context, key string, e storage.Entry) error {
	b, err := storage.EncodeEntry(e)
	if err != nil {
		return err
	}
	return s.p.putObject(ctx, s.entryKey(key), b, "application/json")
}

// Delete issues one DeleteObjects per 1000 keys, a single call for any realistic sweep
func (s *Store) Delete(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := start + maxDeleteBatch
		if end > len(keys) {
			end = len(keys)
		}
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(s.entryKey(k))})
		}

		if err := s.p.wait(ctx); err != nil {
			return err
		}
		out, err := s.p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.p.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return xerrors.Wrapf(err, "s3 delete %d keys", len(ids))
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return xerrors.Newf("s3 delete: %d keys failed, first %s: %s",
				len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

func (s *Store) List(ctx context.Context) (map[string]storage.Entry, error) {
	objKeys, err := s.p.listKeys(ctx, s.entriesDir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]storage.Entry, len(objKeys))
	for _, ok := range objKeys {
		name := strings.TrimSuffix(strings.TrimPrefix(ok, s.entriesDir), entryExt)
		key, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		b, found, err := s.p.getObject(ctx, ok)
		if err != nil {
			return nil, err
		}
		// deleted between list and get
		if !found {
			continue
		}
		e, err := storage.DecodeEntry(b)
		if err != nil {
			return nil, xerrors.Wrapf(err, "s3 list %s", ok)
		}
		out[key] = e
	}
	return out, nil
}

func (s *Store) GetAlarm(ctx context.Context) (time.Time, bool, error) {
	return s.p.readAlarm(ctx, s.alarmKey)
}

func (s *Store) SetAlarm(ctx context.Context, at time.Time) error {
	return s.p.putObject(ctx, s.alarmKey, []byte(strconv.FormatInt(at.UnixMilli(), 10)), "text/plain")
}
