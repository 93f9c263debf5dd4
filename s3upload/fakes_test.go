package s3upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeUpload struct {
	key   string
	parts map[int32][]byte
}

type fakeS3 struct {
	mu      sync.Mutex
	uploads map[string]*fakeUpload
	objects map[string][]byte
	nextID  int

	// uploadPartErr can fail the call-th UploadPart (0 based) before the part is stored.
	uploadPartErr func(call int, partNumber int32) error
	// headErr can fail the call-th HeadObject (0 based).
	headErr func(call int) error

	uploadPartCalls int
	listPartsCalls  int
	headCalls       int
	abortCalls      int
	putCalls        int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		uploads: map[string]*fakeUpload{},
		objects: map[string][]byte{},
	}
}

func noSuchUpload() error {
	return &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "The specified upload does not exist."}
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &fakeUpload{key: aws.ToString(params.Key), parts: map[int32][]byte{}}

	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Key: params.Key, Bucket: params.Bucket}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	call := f.uploadPartCalls
	f.uploadPartCalls++
	inject := f.uploadPartErr
	f.mu.Unlock()

	partNumber := aws.ToInt32(params.PartNumber)
	if inject != nil {
		if err := inject(call, partNumber); err != nil {
			return nil, err
		}
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	upload, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, noSuchUpload()
	}
	upload.parts[partNumber] = data

	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("\"etag-%d\"", partNumber))}, nil
}

func (f *fakeS3) ListParts(_ context.Context, params *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listPartsCalls++

	upload, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, noSuchUpload()
	}

	numbers := make([]int, 0, len(upload.parts))
	for n := range upload.parts {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)

	var marker int
	if params.PartNumberMarker != nil {
		_, _ = fmt.Sscanf(*params.PartNumberMarker, "%d", &marker)
	}
	limit := int(aws.ToInt32(params.MaxParts))

	output := &s3.ListPartsOutput{IsTruncated: aws.Bool(false)}
	for _, n := range numbers {
		if n <= marker {
			continue
		}
		if limit > 0 && len(output.Parts) == limit {
			output.IsTruncated = aws.Bool(true)
			output.NextPartNumberMarker = aws.String(fmt.Sprintf("%d", aws.ToInt32(output.Parts[len(output.Parts)-1].PartNumber)))
			break
		}
		output.Parts = append(output.Parts, types.Part{
			PartNumber: aws.Int32(int32(n)),
			Size:       aws.Int64(int64(len(upload.parts[int32(n)]))),
			ETag:       aws.String(fmt.Sprintf("\"etag-%d\"", n)),
		})
	}

	return output, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	upload, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, noSuchUpload()
	}

	var data []byte
	for i, part := range params.MultipartUpload.Parts {
		if aws.ToInt32(part.PartNumber) != int32(i+1) {
			return nil, &smithy.GenericAPIError{Code: "InvalidPartOrder", Message: "parts must be consecutive"}
		}
		data = append(data, upload.parts[aws.ToInt32(part.PartNumber)]...)
	}

	f.objects[upload.key] = data
	delete(f.uploads, aws.ToString(params.UploadId))

	return &s3.CompleteMultipartUploadOutput{Key: params.Key}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.abortCalls++
	if _, ok := f.uploads[aws.ToString(params.UploadId)]; !ok {
		return nil, noSuchUpload()
	}
	delete(f.uploads, aws.ToString(params.UploadId))

	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.putCalls++
	f.objects[aws.ToString(params.Key)] = bytes.Clone(data)

	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := f.headCalls
	f.headCalls++
	if f.headErr != nil {
		if err := f.headErr(call); err != nil {
			return nil, err
		}
	}

	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}

	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, aws.ToString(params.Key))

	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[key]
	return data, ok
}
