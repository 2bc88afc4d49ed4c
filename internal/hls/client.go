// Package hls fetches and interprets upstream HLS playlists.
package hls

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Eyevinn/hls-m3u8/m3u8"
	"github.com/rs/zerolog"

	"github.com/stwalsh4118/chronos/internal/logger"
)

const (
	acceptHeader    = "application/vnd.apple.mpegurl"
	fetchRetries    = 2
	fetchRetryDelay = 500 * time.Millisecond
)

// ManifestType distinguishes master playlists from media playlists.
type ManifestType string

const (
	TypeMaster ManifestType = "master"
	TypeMedia  ManifestType = "media"
)

// Segment is one entry of a media playlist.
type Segment struct {
	URI      string
	Duration float64
}

// Variant is one rendition advertised by a master playlist.
type Variant struct {
	URI        string
	Bandwidth  uint32
	Resolution string
	Codecs     string
}

// Manifest is the parsed form of an upstream playlist, reduced to the
// fields the pipeline consumes.
type Manifest struct {
	Type           ManifestType
	MediaSequence  int64
	TargetDuration float64
	Segments       []Segment
	Variants       []Variant
}

// Client fetches playlists over HTTP.
type Client struct {
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a playlist client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.Component("hls"),
	}
}

// Fetch retrieves the playlist at rawURL, retrying transient failures a
// fixed number of times.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(fetchRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			c.log.Debug().Str("url", rawURL).Int("attempt", attempt+1).Msg("Retrying playlist fetch")
		}

		body, err := c.fetchOnce(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("failed to fetch playlist %s: %w", rawURL, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// Parse interprets playlist text. The underlying decoder runs in
// non-strict mode so minor tag violations from radio origins do not
// reject an otherwise usable playlist.
func Parse(data []byte) (*Manifest, error) {
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("failed to decode playlist: %w", err)
	}

	switch listType {
	case m3u8.MEDIA:
		media, ok := pl.(*m3u8.MediaPlaylist)
		if !ok || media == nil {
			return nil, fmt.Errorf("decoder returned non-media playlist for media type")
		}
		mf := &Manifest{
			Type:           TypeMedia,
			MediaSequence:  int64(media.SeqNo),
			TargetDuration: float64(media.TargetDuration),
		}
		for _, seg := range media.Segments {
			if seg == nil {
				continue
			}
			mf.Segments = append(mf.Segments, Segment{URI: seg.URI, Duration: seg.Duration})
		}
		return mf, nil

	case m3u8.MASTER:
		master, ok := pl.(*m3u8.MasterPlaylist)
		if !ok || master == nil {
			return nil, fmt.Errorf("decoder returned non-master playlist for master type")
		}
		mf := &Manifest{Type: TypeMaster}
		for _, v := range master.Variants {
			if v == nil {
				continue
			}
			mf.Variants = append(mf.Variants, Variant{
				URI:        v.URI,
				Bandwidth:  v.Bandwidth,
				Resolution: v.Resolution,
				Codecs:     v.Codecs,
			})
		}
		return mf, nil

	default:
		return nil, fmt.Errorf("unknown playlist type %d", listType)
	}
}

// SegmentURLs returns the absolute URLs a manifest points at: variant
// URIs for a master playlist, segment URIs for a media playlist.
// Relative URIs are resolved against baseURL. Entries that fail to
// parse pass through unresolved so positions stay aligned with the
// manifest; the downloader rejects them on use.
func SegmentURLs(mf *Manifest, baseURL string) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	var uris []string
	if mf.Type == TypeMaster {
		for _, v := range mf.Variants {
			uris = append(uris, v.URI)
		}
	} else {
		for _, s := range mf.Segments {
			uris = append(uris, s.URI)
		}
	}

	resolved := make([]string, 0, len(uris))
	for _, raw := range uris {
		ref, err := url.Parse(raw)
		if err != nil {
			resolved = append(resolved, raw)
			continue
		}
		resolved = append(resolved, base.ResolveReference(ref).String())
	}
	return resolved, nil
}
