package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/haasonsaas/voicecall/internal/voice"
)

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = params
	f.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_Archive(t *testing.T) {
	fake := &fakeS3{}
	archiver := newS3Archiver(fake, "calls", "/voice/")

	record := sampleRecord("c1", testTime())
	record.EndReason = voice.EndReasonCompleted

	loc, err := archiver.Archive(context.Background(), record)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if loc != "s3://calls/voice/2026/03/04/c1.json" {
		t.Fatalf("location = %q", loc)
	}
	if *fake.input.Key != "voice/2026/03/04/c1.json" || *fake.input.ContentType != "application/json" {
		t.Fatalf("put input = %+v", fake.input)
	}
	if fake.input.Metadata["end-reason"] != "completed" {
		t.Fatalf("metadata = %v", fake.input.Metadata)
	}

	var decoded voice.CallRecord
	if err := json.Unmarshal(fake.body, &decoded); err != nil {
		t.Fatalf("archived body is not JSON: %v", err)
	}
	if decoded.CallID != "c1" || len(decoded.Transcript) != 1 {
		t.Fatalf("archived record = %+v", decoded)
	}
}

func TestS3Archiver_Errors(t *testing.T) {
	archiver := newS3Archiver(&fakeS3{err: errors.New("access denied")}, "calls", "")
	if _, err := archiver.Archive(context.Background(), sampleRecord("c1", testTime())); err == nil {
		t.Fatal("expected upload error")
	}
	if _, err := archiver.Archive(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil record")
	}
	if _, err := NewS3Archiver(context.Background(), S3ArchiveConfig{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
