// Package kbas is the HTTP client for the remote key-based artifact
// server (spec.md §4.D).
package kbas

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/nuxeh/ybd"
	"github.com/nuxeh/ybd/internal/runctx"
	"github.com/nuxeh/ybd/internal/store"
	"github.com/nuxeh/ybd/internal/ybderr"
)

// Client talks to one KBAS instance on behalf of a run.
type Client struct {
	RunCtx *runctx.Context
	Store  *store.Store
	HTTP   *http.Client
}

func New(rc *runctx.Context, st *store.Store) *Client {
	return &Client{RunCtx: rc, Store: st, HTTP: http.DefaultClient}
}

// TryGet implements try_get: GET <url>/get/<key>; on 200, stream into the
// store. A 404 is a plain miss and leaves the remote enabled; any other
// status, and any transport error, disables the remote for the rest of
// the run (spec.md §4.D, §7 RemoteUnavailable).
func (c *Client) TryGet(ctx context.Context, key string) (bool, error) {
	url := c.RunCtx.URL()
	if url == "" {
		return false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/get/"+key, nil)
	if err != nil {
		c.RunCtx.DisableRemote()
		return false, nil
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.RunCtx.DisableRemote()
		return false, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode != http.StatusNotFound {
			// Any non-200 status beyond a plain miss is treated as remote
			// unavailability, per spec.md §7 RemoteUnavailable.
			c.RunCtx.DisableRemote()
		}
		return false, nil
	}

	tmp, err := os.CreateTemp("", "ybd-kbas-*")
	if err != nil {
		return false, fmt.Errorf("kbas: tempfile: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return false, fmt.Errorf("kbas: downloading %s: %w", key, err)
	}
	tmp.Close()

	if err := c.Store.PutArchiveFile(key, tmp.Name()); err != nil {
		return false, fmt.Errorf("kbas: storing %s: %w", key, err)
	}
	return true, nil
}

// TryPush implements try_push: only chunk and stratum kinds are
// uploaded (spec.md §4.D).
func (c *Client) TryPush(ctx context.Context, key string, kind ybd.Kind) error {
	if kind != ybd.KindChunk && kind != ybd.KindStratum {
		return nil
	}
	url := c.RunCtx.URL()
	if url == "" {
		return nil
	}

	archivePath, ok, err := c.Store.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return fmt.Errorf("kbas: reading %s: %w", archivePath, err)
	}
	sum := md5.Sum(data)
	checksum := hex.EncodeToString(sum[:])

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("filename", key)
	mw.WriteField("password", c.RunCtx.KBASPassword)
	mw.WriteField("checksum", checksum)
	part, err := mw.CreateFormFile("file", key)
	if err != nil {
		return fmt.Errorf("kbas: building upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("kbas: building upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("kbas: building upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/upload", &body)
	if err != nil {
		return fmt.Errorf("kbas: building request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.RunCtx.DisableRemote()
		return nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 201:
		return nil
	case 777:
		c.RunCtx.RecordReproduced(checksum, key)
		return nil
	case 405:
		if c.RunCtx.Reproduce && kind == ybd.KindStratum {
			return ybderr.New(ybderr.KindRemoteConflict, key)
		}
		return nil
	default:
		return nil
	}
}
