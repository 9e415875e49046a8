package storage

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JRascall/MediaServer/pkg/config"
)

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"live/index.m3u8":   "application/vnd.apple.mpegurl",
		"live/index3.ts":    "video/mp2t",
		"live/index.mpd":    "application/dash+xml",
		"live/chunk-1.m4s":  "video/iso.segment",
		"live/unknown.bin":  "application/octet-stream",
		"live/no-extension": "application/octet-stream",
	}
	for key, want := range cases {
		assert.Equal(t, want, ContentType(key), key)
	}
}

func TestNewBucket(t *testing.T) {
	log, _ := test.NewNullLogger()
	b, err := NewBucket(config.StorageConfig{
		Endpoint:  "127.0.0.1:9000",
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    "streams",
	}, log)
	require.NoError(t, err)
	assert.Equal(t, "streams", b.name)

	_, err = NewBucket(config.StorageConfig{Endpoint: "http://bad host", Bucket: "streams"}, log)
	assert.Error(t, err)
}
