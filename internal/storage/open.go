package storage

import (
	"fmt"
	"os"
	"strings"
)

// Open resolves a store URI. Accepted forms are a plain directory,
// "file://<dir>" and "s3://<bucket>[/<prefix>]". S3 settings come from
// AWS_REGION, AWS_ENDPOINT_URL, AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY.
func Open(uri string) (FileStore, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		rest := strings.TrimPrefix(uri, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("storage: missing bucket in %q", uri)
		}
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		client := NewS3Client(region, os.Getenv("AWS_ENDPOINT_URL"),
			os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"))
		return NewS3(client, bucket, prefix), nil
	case strings.HasPrefix(uri, "file://"):
		return NewLocal(strings.TrimPrefix(uri, "file://"))
	case uri == "":
		return nil, fmt.Errorf("storage: empty store URI")
	default:
		return NewLocal(uri)
	}
}
