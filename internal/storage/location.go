package storage

import "strings"

// S3ObjectLocation identifies an object in an S3-compatible store.
type S3ObjectLocation struct {
	Bucket string
	Key    string
}

// StorageKey returns the persisted "bucket:key" form.
func (l S3ObjectLocation) StorageKey() string {
	return l.Bucket + ":" + l.Key
}

// ParseS3StorageKey parses a persisted storage key. Keys without a bucket
// prefix resolve against the default bucket.
func ParseS3StorageKey(storageKey, defaultBucket string) S3ObjectLocation {
	raw := strings.TrimSpace(storageKey)
	if bucket, key, ok := strings.Cut(raw, ":"); ok {
		bucket = strings.TrimSpace(bucket)
		key = strings.TrimSpace(key)
		if bucket != "" && key != "" {
			return S3ObjectLocation{Bucket: bucket, Key: key}
		}
	}
	return S3ObjectLocation{Bucket: defaultBucket, Key: raw}
}
