// Package playlist drives the recording of an HLS stream: it polls the
// media playlist, redirects through master playlists, and hands every
// announced segment to the writer.
package playlist

import (
	"bytes"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grafov/m3u8"
	"github.com/rs/zerolog"

	"github.com/longbai/hlsrec/metrics"
	"github.com/longbai/hlsrec/pool"
	"github.com/longbai/hlsrec/writer"
)

const (
	hlsContentType           = "application/vnd.apple.mpegurl"
	maxFileNameLength        = 32
	transportStreamExtension = ".ts"

	mapTag       = "#EXT-X-MAP:"
	uriAttribute = `URI="`
)

// Recorder records one HLS stream to a local transport-stream file.
type Recorder struct {
	pool   *pool.Pool
	writer *writer.Writer
	wg     *sync.WaitGroup
	log    zerolog.Logger
	met    *metrics.Metrics

	mu        sync.Mutex
	url       string
	scheme    string
	host      string
	resource  string
	prefixLen int
	period    int // seconds until the next poll, 0 means stop polling
}

func New(p *pool.Pool, w *writer.Writer, wg *sync.WaitGroup, log zerolog.Logger, met *metrics.Metrics) *Recorder {
	return &Recorder{
		pool:   p,
		writer: w,
		wg:     wg,
		log:    log.With().Str("component", "playlist").Str("session", uuid.NewString()).Logger(),
		met:    met,
	}
}

// Record starts recording the stream behind rawurl. The output file is
// named after the last path component of the URL, query stripped, extension
// dropped, truncated to 32 bytes, with ".ts" appended. Returns false when
// the URL does not parse or the output file cannot be opened.
func (r *Recorder) Record(rawurl string) bool {
	scheme, host, resource, ok := pool.ParseURL(rawurl)
	if !ok {
		r.log.Error().Str("url", rawurl).Msg("invalid playlist URL")
		return false
	}

	r.url = rawurl
	r.scheme = scheme
	r.host = host
	r.resource = resource
	r.prefixLen = pool.ResourcePrefixLen(resource)

	if !r.writer.Open(outputFileName(resource)) {
		return false
	}

	r.fetch(r.onInitialPlaylist)
	return true
}

// Wait blocks until polling has stopped and all in-flight downloads,
// writes and timers have drained.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// outputFileName derives the local file name from the last path component
// of resource.
func outputFileName(resource string) string {
	end := len(resource)
	if q := strings.IndexByte(resource, '?'); q >= 0 {
		end = q
	}
	name := resource[strings.LastIndexByte(resource[:end], '/')+1 : end]
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		name = name[:dot]
	}
	if len(name) > maxFileNameLength {
		name = name[:maxFileNameLength]
	}
	return name + transportStreamExtension
}

func (r *Recorder) fetch(onReceive pool.OnReceive) {
	r.mu.Lock()
	scheme, host, resource := r.scheme, r.host, r.resource
	r.mu.Unlock()

	r.met.IncPlaylistFetches()
	r.pool.Get(scheme, host, resource, onReceive, r.onError, 0)
}

// onError halts polling. In-flight segment downloads drain on their own.
func (r *Recorder) onError() {
	r.mu.Lock()
	r.period = 0
	r.mu.Unlock()
}

// onInitialPlaylist handles the response to the first fetch of a playlist
// URL and arms the poll timer once a live media playlist has been seen.
// A master playlist redirects here again via its selected variant.
func (r *Recorder) onInitialPlaylist(resp *pool.Response) {
	r.parsePlaylist(resp)

	r.mu.Lock()
	period := r.period
	r.mu.Unlock()
	if period > 0 {
		r.armTimer(period)
	}
}

func (r *Recorder) armTimer(period int) {
	r.wg.Add(1)
	time.AfterFunc(time.Duration(period)*time.Second, r.onTimer)
}

// onTimer re-arms before fetching, like the original poll loop: the last
// armed timer still fires once after polling stops, performing a final
// fetch without re-arming.
func (r *Recorder) onTimer() {
	defer r.wg.Done()

	r.mu.Lock()
	period := r.period
	r.mu.Unlock()
	if period > 0 {
		r.armTimer(period)
	}

	r.fetch(r.parsePlaylist)
}

func (r *Recorder) parsePlaylist(resp *pool.Response) {
	if resp.StatusCode != http.StatusOK {
		r.log.Error().Int("status", resp.StatusCode).Str("url", r.currentURL()).
			Msg("invalid playlist response")
		r.onError()
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.EqualFold(contentType, hlsContentType) {
		r.log.Error().Str("content_type", contentType).Str("url", r.currentURL()).
			Msg("invalid content type")
		r.onError()
		return
	}

	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(resp.Body), true)
	if err != nil {
		r.log.Error().Err(err).Str("url", r.currentURL()).Msg("unparsable playlist")
		r.onError()
		return
	}

	switch listType {
	case m3u8.MASTER:
		r.selectVariant(decoded.(*m3u8.MasterPlaylist))
	case m3u8.MEDIA:
		r.handleMediaPlaylist(decoded.(*m3u8.MediaPlaylist), resp.Body)
	}
}

// selectVariant re-targets the variant with the greatest bandwidth and
// fetches it. No timer is armed for a master playlist.
func (r *Recorder) selectVariant(master *m3u8.MasterPlaylist) {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}

	r.mu.Lock()
	r.period = 0
	if best == nil {
		r.mu.Unlock()
		r.log.Error().Str("url", r.currentURL()).Msg("master playlist with no variants")
		return
	}
	r.log.Trace().Uint32("bandwidth", best.Bandwidth).Str("stream_inf", best.Resolution).
		Msg("received master playlist")

	scheme, host, resource, ok := pool.Resolve(best.URI, r.scheme, r.host, r.resource, r.prefixLen)
	if !ok {
		r.mu.Unlock()
		r.log.Error().Str("url", best.URI).Msg("invalid variant URL")
		return
	}
	r.scheme = scheme
	r.host = host
	r.resource = resource
	r.prefixLen = pool.ResourcePrefixLen(resource)
	r.url = pool.FormatURL(scheme, host, resource)
	r.mu.Unlock()

	r.log.Trace().Str("url", r.currentURL()).Msg("media playlist URL")
	r.fetch(r.onInitialPlaylist)
}

func (r *Recorder) handleMediaPlaylist(media *m3u8.MediaPlaylist, body []byte) {
	r.mu.Lock()
	scheme, host, resource, prefixLen := r.scheme, r.host, r.resource, r.prefixLen
	r.mu.Unlock()

	if uri := mapURI(media, body); uri != "" {
		r.addInitSection(uri, scheme, host, resource, prefixLen)
	}

	segments := 0
	var firstSeq uint64
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		if segments == 0 {
			firstSeq = seg.SeqId
		}
		if seg.Discontinuity {
			r.log.Warn().Uint64("segment", seg.SeqId).Msg("playlist discontinuity")
		}

		s, h, res, ok := pool.Resolve(seg.URI, scheme, host, resource, prefixLen)
		if !ok || pool.IsAbsoluteURL(seg.URI) {
			r.writer.AddSegmentURL(seg.SeqId, seg.URI)
		} else {
			r.writer.AddSegment(seg.SeqId, s, h, res)
		}
		segments++
	}

	period := 0
	if media.Closed || media.MediaType == m3u8.VOD {
		r.log.Trace().Uint64("sequence", firstSeq).Int("segments", segments).
			Msg("received final playlist")
	} else {
		duration := int(media.TargetDuration)
		if duration > 1 {
			period = duration / 2
		} else {
			period = 1
		}
		r.log.Trace().Float64("target_duration", media.TargetDuration).
			Uint64("sequence", firstSeq).Int("segments", segments).
			Msg("received playlist")
	}

	r.mu.Lock()
	r.period = period
	r.mu.Unlock()
}

// mapURI returns the EXT-X-MAP URI of the playlist, falling back to a text
// scan of the body for decoder versions that skip the tag.
func mapURI(media *m3u8.MediaPlaylist, body []byte) string {
	if media.Map != nil && media.Map.URI != "" {
		return media.Map.URI
	}
	if len(media.Segments) > 0 && media.Segments[0] != nil && media.Segments[0].Map != nil {
		return media.Segments[0].Map.URI
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, mapTag) {
			continue
		}
		attrs := line[len(mapTag):]
		pos := strings.Index(attrs, uriAttribute)
		if pos < 0 {
			continue
		}
		attrs = attrs[pos+len(uriAttribute):]
		if end := strings.IndexByte(attrs, '"'); end >= 0 {
			return attrs[:end]
		}
	}
	return ""
}

func (r *Recorder) addInitSection(ref, scheme, host, resource string, prefixLen int) {
	if pool.IsAbsoluteURL(ref) {
		r.writer.AddInitSectionURL(ref)
		return
	}
	s, h, res, _ := pool.Resolve(ref, scheme, host, resource, prefixLen)
	r.writer.AddInitSection(s, h, res)
}

func (r *Recorder) currentURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url
}
