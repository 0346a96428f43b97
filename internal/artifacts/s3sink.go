// Package artifacts implements the optional S3-backed overflow sink for
// final.result payloads larger than maxToolResultBytes. Oversized results
// are uploaded and replaced on the wire with a ReferenceId (§3) the client
// resolves separately, instead of inlining megabytes of JSON into an NDJSON
// line or a WebSocket frame.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sandboxbroker/broker/internal/ids"
)

// Sink uploads oversized payloads to S3 and returns a reference id in their
// place. A nil *Sink (default) disables overflow entirely; callers that
// never exceed maxToolResultBytes never touch S3.
type Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// New builds a Sink against bucket using client. prefix is prepended to
// every object key (e.g. "sandboxbroker/results/").
func New(client *s3.Client, bucket, prefix string) *Sink {
	return &Sink{client: client, bucket: bucket, prefix: prefix}
}

// MaybeOffload uploads payload when it exceeds maxBytes and returns the
// ReferenceId JSON object to substitute in its place, plus true. Returns
// (nil, false) when payload is within budget or s is nil.
func (s *Sink) MaybeOffload(ctx context.Context, sessionID string, payload json.RawMessage, maxBytes int) (json.RawMessage, bool, error) {
	if s == nil || maxBytes <= 0 || len(payload) <= maxBytes {
		return nil, false, nil
	}

	refID := ids.NewReferenceID()
	key := fmt.Sprintf("%s%s/%s.json", s.prefix, sessionID, refID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, false, fmt.Errorf("upload artifact %s: %w", key, err)
	}

	ref, err := json.Marshal(map[string]string{
		"refId":  refID,
		"bucket": s.bucket,
		"key":    key,
	})
	if err != nil {
		return nil, false, err
	}
	return ref, true, nil
}

// Fetch retrieves a previously offloaded artifact by key.
func (s *Sink) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", key, err)
	}
	defer out.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
