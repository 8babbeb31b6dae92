// Package objectstore keeps note snapshots as single objects in an
// S3-compatible bucket. Each object is a zstd-compressed CBOR record
// holding the encoded document and its text projection, so both are
// replaced atomically by one PUT.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/astromechza/notesync/pkg/store"
)

const (
	recordVersion = 1
	contentType   = "application/vnd.notesync.snapshot+zstd"
)

type Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	Insecure  bool
	AccessKey string
	SecretKey string
}

// ParseURL reads s3://[key:secret@]endpoint/bucket[/prefix][?insecure=1&region=x].
// Without credentials in the URL the usual AWS and MinIO environment
// variables are used.
func ParseURL(raw string) (Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Config{}, err
	}
	if u.Scheme != "s3" {
		return Config{}, fmt.Errorf("objectstore: unsupported scheme %q", u.Scheme)
	}
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	cfg := Config{Endpoint: u.Host, Bucket: parts[0], Region: u.Query().Get("region")}
	if len(parts) == 2 {
		cfg.Prefix = parts[1]
	}
	switch strings.ToLower(u.Query().Get("insecure")) {
	case "1", "true", "yes":
		cfg.Insecure = true
	}
	if u.User != nil {
		cfg.AccessKey = u.User.Username()
		cfg.SecretKey, _ = u.User.Password()
	}
	return cfg, nil
}

type record struct {
	Version int    `cbor:"1,keyasint"`
	NoteID  string `cbor:"2,keyasint"`
	State   []byte `cbor:"3,keyasint"`
	Text    string `cbor:"4,keyasint"`
	SavedAt int64  `cbor:"5,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("objectstore: cbor encoder: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("objectstore: cbor decoder: " + err.Error())
	}
	if encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("objectstore: zstd encoder: " + err.Error())
	}
	if decoder, err = zstd.NewReader(nil); err != nil {
		panic("objectstore: zstd decoder: " + err.Error())
	}
}

func encodeRecord(snap store.Snapshot) ([]byte, error) {
	raw, err := encMode.Marshal(record{
		Version: recordVersion,
		NoteID:  snap.NoteID,
		State:   snap.State,
		Text:    snap.Text,
		SavedAt: snap.SavedAt.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	return encoder.EncodeAll(raw, nil), nil
}

func decodeRecord(compressed []byte) (store.Snapshot, error) {
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("zstd decompress: %w", err)
	}
	var r record
	if err := decMode.Unmarshal(raw, &r); err != nil {
		return store.Snapshot{}, fmt.Errorf("cbor decode: %w", err)
	}
	if r.Version != recordVersion {
		return store.Snapshot{}, fmt.Errorf("unsupported snapshot record version %d", r.Version)
	}
	return store.Snapshot{NoteID: r.NoteID, State: r.State, Text: r.Text, SavedAt: time.UnixMilli(r.SavedAt).UTC()}, nil
}

type Store struct {
	client *minio.Client
	cfg    Config
	now    func() time.Time
}

func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "s3.amazonaws.com"
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        creds,
		Secure:       !cfg.Insecure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg, now: time.Now}, nil
}

func (s *Store) objectKey(noteID string) string {
	key := url.PathEscape(noteID) + ".snapshot"
	if s.cfg.Prefix == "" {
		return key
	}
	return s.cfg.Prefix + "/" + key
}

func (s *Store) LoadSnapshot(ctx context.Context, noteID string) (store.Snapshot, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.objectKey(noteID), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return store.Snapshot{}, store.ErrNotFound
		}
		return store.Snapshot{}, fmt.Errorf("objectstore: get object: %w", err)
	}
	defer obj.Close()
	raw, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return store.Snapshot{}, store.ErrNotFound
		}
		return store.Snapshot{}, fmt.Errorf("objectstore: read object: %w", err)
	}
	snap, err := decodeRecord(raw)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("objectstore: %s: %w", noteID, err)
	}
	return snap, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = s.now()
	}
	payload, err := encodeRecord(snap)
	if err != nil {
		return fmt.Errorf("objectstore: encode: %w", err)
	}
	if _, err := s.client.PutObject(
		ctx, s.cfg.Bucket, s.objectKey(snap.NoteID),
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: contentType},
	); err != nil {
		return fmt.Errorf("objectstore: put object: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
	}
	return false
}
