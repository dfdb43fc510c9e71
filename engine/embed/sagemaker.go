package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/metrics"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollDeadline = 150 * time.Second
	contentTypeJSON     = "application/json"
)

// SageMakerAPI is the subset of *sagemakerruntime.Client used here.
type SageMakerAPI interface {
	InvokeEndpoint(ctx context.Context, in *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
	InvokeEndpointAsync(ctx context.Context, in *sagemakerruntime.InvokeEndpointAsyncInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointAsyncOutput, error)
}

// ObjectAPI is the subset of *s3.Client the async path uses for staging
// inputs and reading outputs.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SageMakerOptions configures a SageMakerInvoker.
type SageMakerOptions struct {
	Endpoint string
	Async    bool
	// InputBucket and InputPrefix locate staged async requests.
	InputBucket  string
	InputPrefix  string
	PollInterval time.Duration
	PollDeadline time.Duration
}

// SageMakerInvoker calls a hosted inference endpoint, either synchronously or
// through the asynchronous queue with output polling.
type SageMakerInvoker struct {
	rt      SageMakerAPI
	objects ObjectAPI
	opts    SageMakerOptions
	m       *metrics.Engine
	log     *slog.Logger
}

// NewSageMakerInvoker validates opts. objects may be nil for synchronous
// endpoints.
func NewSageMakerInvoker(rt SageMakerAPI, objects ObjectAPI, opts SageMakerOptions, m *metrics.Engine, log *slog.Logger) (*SageMakerInvoker, error) {
	if opts.Endpoint == "" {
		return nil, domain.Configuration("embed.endpoint", "endpoint name is required for the sagemaker provider")
	}
	if opts.Async {
		if opts.InputBucket == "" {
			return nil, domain.Configuration("embed.input_bucket", "input bucket is required for async inference")
		}
		if objects == nil {
			return nil, domain.Configuration("embed", "object storage client is required for async inference")
		}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollDeadline <= 0 {
		opts.PollDeadline = DefaultPollDeadline
	}
	if log == nil {
		log = slog.Default()
	}
	return &SageMakerInvoker{rt: rt, objects: objects, opts: opts, m: m, log: log}, nil
}

func (s *SageMakerInvoker) Name() string { return "sagemaker" }

func (s *SageMakerInvoker) Invoke(ctx context.Context, req Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}
	if s.opts.Async {
		return s.invokeAsync(ctx, payload)
	}
	out, err := s.rt.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(s.opts.Endpoint),
		ContentType:  aws.String(contentTypeJSON),
		Accept:       aws.String(contentTypeJSON),
		Body:         payload,
	})
	if err != nil {
		return nil, classifyAWS("invoke endpoint", err)
	}
	return out.Body, nil
}

func (s *SageMakerInvoker) invokeAsync(ctx context.Context, payload []byte) ([]byte, error) {
	key := s.opts.InputPrefix + uuid.NewString() + ".json"
	_, err := s.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.InputBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentTypeJSON),
	})
	if err != nil {
		return nil, classifyAWS("stage async input", err)
	}

	out, err := s.rt.InvokeEndpointAsync(ctx, &sagemakerruntime.InvokeEndpointAsyncInput{
		EndpointName:  aws.String(s.opts.Endpoint),
		InputLocation: aws.String("s3://" + s.opts.InputBucket + "/" + key),
		ContentType:   aws.String(contentTypeJSON),
		Accept:        aws.String(contentTypeJSON),
	})
	if err != nil {
		return nil, classifyAWS("invoke endpoint async", err)
	}
	output, err := parseS3URI(aws.ToString(out.OutputLocation))
	if err != nil {
		return nil, err
	}
	var failure *s3Location
	if loc := aws.ToString(out.FailureLocation); loc != "" {
		if f, err := parseS3URI(loc); err == nil {
			failure = &f
		}
	}
	s.log.DebugContext(ctx, "async inference queued", "inference_id", aws.ToString(out.InferenceId), "output", output.String())
	return s.poll(ctx, output, failure)
}

// poll reads the output object until it appears, the failure object appears,
// the deadline passes or ctx is cancelled.
func (s *SageMakerInvoker) poll(ctx context.Context, output s3Location, failure *s3Location) ([]byte, error) {
	deadline := time.NewTimer(s.opts.PollDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		body, ready, err := s.fetch(ctx, output)
		switch {
		case ready:
			s.m.Poll("ready")
			return body, nil
		case err != nil:
			s.m.Poll("failed")
			lastErr = err
		default:
			s.m.Poll("pending")
		}
		if failure != nil {
			if fbody, failed, _ := s.fetch(ctx, *failure); failed {
				return nil, domain.Malformed("async inference", fbody, "endpoint reported failure at "+failure.String())
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, domain.Timeout(fmt.Sprintf("async inference output %s after %s", output, s.opts.PollDeadline), lastErr)
		case <-ticker.C:
		}
	}
}

// fetch reads loc. A missing object is neither ready nor an error.
func (s *SageMakerInvoker) fetch(ctx context.Context, loc s3Location) ([]byte, bool, error) {
	out, err := s.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		if isMissingObject(err) {
			return nil, false, nil
		}
		return nil, false, classifyAWS("read async output", err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, domain.Transport("read async output", err)
	}
	return body, true, nil
}

type s3Location struct {
	Bucket string
	Key    string
}

func (l s3Location) String() string { return "s3://" + l.Bucket + "/" + l.Key }

func parseS3URI(raw string) (s3Location, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" || u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return s3Location{}, domain.Malformed("async inference", []byte(raw), "output location is not an s3:// uri")
	}
	return s3Location{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}, nil
}

func isMissingObject(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// classifyAWS maps SDK errors onto the engine taxonomy: throttling and
// server faults are transient, other API rejections are not.
func classifyAWS(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if apiErr.ErrorFault() == smithy.FaultServer || strings.Contains(code, "Throttl") || code == "ServiceUnavailable" {
			return domain.Transport(op, err)
		}
		return domain.Unavailable(op, "sagemaker", err)
	}
	return domain.Transport(op, err)
}
