package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"estatecrm/internal/blob"
)

// Prefix is the key prefix every archived envelope lives under.
const Prefix = "backups/"

const keyTimeLayout = "20060102T150405Z"

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ErrEmpty is returned by Latest when nothing has been archived.
var ErrEmpty = errors.New("backup: archive is empty")

// Archive stores envelopes in a blob store.
type Archive struct {
	store blob.Store
}

// NewArchive returns an archive writing to store.
func NewArchive(store blob.Store) *Archive {
	return &Archive{store: store}
}

// Key returns the archive key for an envelope: backups/<timestamp>-<user>.json.
// Keys sort chronologically.
func Key(env Envelope) string {
	user := unsafeKeyChars.ReplaceAllString(env.ExportedBy, "_")
	if user == "" {
		user = "system"
	}
	return Prefix + env.ExportedAt.UTC().Format(keyTimeLayout) + "-" + user + ".json"
}

// Save verifies and uploads env.
func (a *Archive) Save(ctx context.Context, env Envelope) (blob.Info, error) {
	if err := env.Verify(); err != nil {
		return blob.Info{}, err
	}
	raw, err := Encode(env)
	if err != nil {
		return blob.Info{}, err
	}
	info, err := a.store.Put(ctx, Key(env), bytes.NewReader(raw), blob.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"exported-by": env.ExportedBy,
			"checksum":    env.Integrity.Checksum,
		},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("archive backup: %w", err)
	}
	return info, nil
}

// List returns the archived backups oldest first.
func (a *Archive) List(ctx context.Context) ([]blob.Info, error) {
	infos, err := a.store.List(ctx, Prefix)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Key, ".json") {
			out = append(out, info)
		}
	}
	return out, nil
}

// Load downloads and verifies the envelope at key.
func (a *Archive) Load(ctx context.Context, key string) (Envelope, error) {
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return Envelope{}, fmt.Errorf("load backup: %w", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return Envelope{}, fmt.Errorf("read backup %s: %w", key, err)
	}
	return Decode(raw)
}

// Latest loads the newest archived envelope.
func (a *Archive) Latest(ctx context.Context) (Envelope, blob.Info, error) {
	infos, err := a.List(ctx)
	if err != nil {
		return Envelope{}, blob.Info{}, err
	}
	if len(infos) == 0 {
		return Envelope{}, blob.Info{}, ErrEmpty
	}
	info := infos[len(infos)-1]
	env, err := a.Load(ctx, info.Key)
	return env, info, err
}

// DownloadURL returns a time-limited link to key. Drivers without signing
// return blob.ErrUnsupported.
func (a *Archive) DownloadURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return a.store.PresignURL(ctx, key, blob.SignedURLOptions{Method: "GET", Expiry: expiry})
}
