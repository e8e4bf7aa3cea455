package cache

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeObject struct {
	body     []byte
	modified time.Time
}

// fakeS3 keeps objects in memory and pages listings two keys at a time.
// Continuation tokens are the last key of the previous page.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	deletes int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body:         io.NopCloser(strings.NewReader(string(obj.body))),
		LastModified: aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{body: body, modified: time.Now()}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	f.deletes++
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if !strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			continue
		}
		if in.ContinuationToken != nil && k <= *in.ContinuationToken {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	page := keys
	if len(page) > 2 {
		page = page[:2]
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(len(keys) > len(page))}
	for _, k := range page {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	if len(keys) > len(page) {
		out.NextContinuationToken = aws.String(page[len(page)-1])
	}
	return out, nil
}

func (f *fakeS3) age(key string, by time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj := f.objects[key]
	obj.modified = obj.modified.Add(-by)
	f.objects[key] = obj
}
