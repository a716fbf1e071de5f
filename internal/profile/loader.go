package profile

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
	"github.com/keithlinneman/linnemanlabs-edge/internal/xerrors"
)

// Fetcher returns the raw profile document from its backing store.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// SSMAPI is the slice of the SSM client the loader uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3API is the slice of the S3 client the loader uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type ssmFetcher struct {
	client SSMAPI
	name   string
}

// NewSSMFetcher reads the document from a (possibly SecureString) parameter.
func NewSSMFetcher(client SSMAPI, name string) Fetcher {
	return &ssmFetcher{client: client, name: name}
}

func (f *ssmFetcher) Fetch(ctx context.Context) ([]byte, error) {
	out, err := f.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(f.name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", f.name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", f.name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", f.name)
	}
	return []byte(v), nil
}

type s3Fetcher struct {
	client      S3API
	bucket, key string
}

// NewS3Fetcher reads the document from s3://bucket/key.
func NewS3Fetcher(client S3API, bucket, key string) Fetcher {
	return &s3Fetcher{client: client, bucket: bucket, key: key}
}

func (f *s3Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", f.bucket, f.key)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(io.LimitReader(out.Body, MaxDocumentSize+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", f.bucket, f.key)
	}
	if len(b) > MaxDocumentSize {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", f.bucket, f.key, MaxDocumentSize)
	}
	return b, nil
}

type LoaderOptions struct {
	Logger log.Logger

	// SSMParam takes precedence over the S3 location when both are set.
	SSMParam string

	S3Bucket string
	S3Key    string

	AWSConfig aws.Config
}

// Loader fetches and builds profiles from one remote source.
type Loader struct {
	fetcher Fetcher
	source  Source
	where   string
	logger  log.Logger
}

// NewLoader picks the SSM or S3 source from opts.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	switch {
	case opts.SSMParam != "":
		return NewLoaderWithFetcher(SourceSSM, "ssm:"+opts.SSMParam,
			NewSSMFetcher(ssm.NewFromConfig(opts.AWSConfig), opts.SSMParam), opts.Logger), nil
	case opts.S3Bucket != "" && opts.S3Key != "":
		return NewLoaderWithFetcher(SourceS3, "s3://"+opts.S3Bucket+"/"+opts.S3Key,
			NewS3Fetcher(s3.NewFromConfig(opts.AWSConfig), opts.S3Bucket, opts.S3Key), opts.Logger), nil
	case opts.S3Bucket != "" || opts.S3Key != "":
		return nil, xerrors.New("S3 profile source needs both bucket and key")
	default:
		return nil, xerrors.New("no profile source configured")
	}
}

// NewLoaderWithFetcher wires an arbitrary Fetcher, where names it in logs.
func NewLoaderWithFetcher(src Source, where string, f Fetcher, logger log.Logger) *Loader {
	if logger == nil {
		logger = log.Nop()
	}
	return &Loader{fetcher: f, source: src, where: where, logger: logger}
}

func (l *Loader) Source() Source { return l.source }

// Location is the human-readable address of the source.
func (l *Loader) Location() string { return l.where }

// Fetch returns the raw document.
func (l *Loader) Fetch(ctx context.Context) ([]byte, error) {
	return l.fetcher.Fetch(ctx)
}

// Build turns a fetched document into a profile tagged with this source.
func (l *Loader) Build(raw []byte) (*Profile, error) {
	return Build(raw, l.source)
}

// Load fetches and builds the current profile.
func (l *Loader) Load(ctx context.Context) (*Profile, error) {
	raw, err := l.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	p, err := l.Build(raw)
	if err != nil {
		return nil, xerrors.Wrapf(err, "profile from %s", l.where)
	}
	l.logger.Info(ctx, "loaded edge profile",
		"source", string(l.source),
		"location", l.where,
		"profile", p.String(),
		"hash", truncHash(p.Hash),
	)
	return p, nil
}

// LoadIntoManager loads the current profile and makes it active.
func (l *Loader) LoadIntoManager(ctx context.Context, mgr *Manager) error {
	p, err := l.Load(ctx)
	if err != nil {
		return err
	}
	mgr.Set(p)
	return nil
}
