package objectstore

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"

	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/store/storetest"
)

func setupFakeS3(t *testing.T) Config {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	bucket := "notesync-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return Config{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		Bucket:    bucket,
		Prefix:    "snapshots",
		Region:    "us-east-1",
		Insecure:  true,
		AccessKey: "test",
		SecretKey: "test",
	}
}

func TestConformance(t *testing.T) {
	s, err := New(setupFakeS3(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	storetest.RunSnapshots(t, s)
}

func TestRecordRejectsCorruptPayload(t *testing.T) {
	if _, err := decodeRecord([]byte("not zstd")); err == nil {
		t.Fatalf("expected an error")
	}
	payload, err := encodeRecord(store.Snapshot{NoteID: "n", State: []byte{1, 2, 3}, Text: "x"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	snap, err := decodeRecord(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.NoteID != "n" || snap.Text != "x" || len(snap.State) != 3 {
		t.Fatalf("unexpected %+v", snap)
	}
}

func TestLoadCorruptObject(t *testing.T) {
	cfg := setupFakeS3(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := s.client.PutObject(ctx, cfg.Bucket, s.objectKey("bad"), strings.NewReader("junk"), 4, minio.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.LoadSnapshot(ctx, "bad"); err == nil || errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected a decode error, got %v", err)
	}
}

func TestParseURL(t *testing.T) {
	cfg, err := ParseURL("s3://key:secret@localhost:9000/notes/team/a?insecure=1&region=eu-west-1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Config{Endpoint: "localhost:9000", Bucket: "notes", Prefix: "team/a", Region: "eu-west-1", Insecure: true, AccessKey: "key", SecretKey: "secret"}
	if cfg != want {
		t.Fatalf("got %+v, want %+v", cfg, want)
	}
	if _, err := ParseURL("http://x/y"); err == nil {
		t.Fatalf("expected scheme error")
	}
}
