package artifact

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type line struct {
	N    int    `json:"n"`
	Text string `json:"text"`
}

func TestWriter(t *testing.T) {
	cases := []struct {
		name string
		opts []WriterOption
		ext  string
	}{
		{name: "plain", ext: ".jsonl"},
		{name: "compressed", opts: []WriterOption{WithCompression()}, ext: ".jsonl" + CompressedExt},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "console.jsonl")
			w, err := Create(path, c.opts...)
			require.NoError(t, err)
			assert.True(t, strings.HasSuffix(w.Path(), c.ext))

			for i := 0; i < 3; i++ {
				require.NoError(t, w.Append(line{N: i, Text: "hello"}))
			}
			assert.Equal(t, 3, w.Records())
			checksum := w.Checksum()
			require.NoError(t, w.Close())
			require.NoError(t, w.Close())
			require.ErrorIs(t, w.Append(line{}), ErrWriterClosed)

			var got []line
			err = ForEach(w.Path(), func(b []byte) error {
				var l line
				if err := json.Unmarshal(b, &l); err != nil {
					return err
				}
				got = append(got, l)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []line{{0, "hello"}, {1, "hello"}, {2, "hello"}}, got)

			fileSum, err := HashFile(w.Path())
			require.NoError(t, err)
			assert.Equal(t, checksum, fileSum)
		})
	}
}

func TestWriterRecordsAreDurableBeforeClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.jsonl")
	w, err := Create(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(line{N: 1}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":1,\"text\":\"\"}\n", string(b))
}

func TestCompressedRecordsAreDecodableBeforeClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.jsonl")
	w, err := Create(path, WithCompression())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(line{N: 1}))
	require.NoError(t, w.Append(line{N: 2}))

	n := 0
	// the frame is unterminated, so the decoder may report an error after the records
	_ = ForEach(w.Path(), func(b []byte) error {
		n++
		return nil
	})
	assert.Equal(t, 2, n)
}

func TestCountsAdd(t *testing.T) {
	got := Counts{Records: 1, Skipped: 2, Errors: 3}.Add(Counts{Records: 10, Errors: 1})
	assert.Equal(t, Counts{Records: 11, Skipped: 2, Errors: 4}, got)
}

type fakeS3 struct {
	s3iface.S3API
	bucket, key string
	body        []byte
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	f.bucket = aws.StringValue(in.Bucket)
	f.key = aws.StringValue(in.Key)
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &s3.PutObjectOutput{}, nil
}

func TestS3Uploader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"status":"completed"}`), 0o644))

	client := &fakeS3{}
	u := &S3Uploader{Client: client, Bucket: "runs", Prefix: "2024/run-1"}

	loc, err := u.Upload(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "s3://runs/2024/run-1/summary.json", loc)
	assert.Equal(t, "runs", client.bucket)
	assert.Equal(t, "2024/run-1/summary.json", client.key)
	assert.Equal(t, `{"status":"completed"}`, string(client.body))
}
