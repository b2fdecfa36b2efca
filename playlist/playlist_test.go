package playlist

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longbai/hlsrec/metrics"
	"github.com/longbai/hlsrec/pool"
	"github.com/longbai/hlsrec/writer"
)

func newRecorder(t *testing.T) *Recorder {
	t.Helper()

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	var wg sync.WaitGroup
	p := pool.New(&wg, "", zerolog.Nop(), metrics.New())
	w := writer.New(p, zerolog.Nop(), metrics.New())
	return New(p, w, &wg, zerolog.Nop(), metrics.New())
}

func servePlaylist(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(body))
}

func readOutput(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(name)
	require.NoError(t, err)
	return string(b)
}

func TestOutputFileName(t *testing.T) {
	cases := []struct {
		resource string
		want     string
	}{
		{"/l.m3u8", "l.ts"},
		{"/a/b/playlist.m3u8", "playlist.ts"},
		{"/stream.m3u8?token=abc", "stream.ts"},
		{"/noextension", "noextension.ts"},
		{"/", ".ts"},
		{"/" + "abcdefghij0123456789abcdefghij0123456789", "abcdefghij0123456789abcdefghij01.ts"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, outputFileName(c.resource), c.resource)
	}
}

func TestRecordInvalidURL(t *testing.T) {
	rec := newRecorder(t)
	assert.False(t, rec.Record("not a url"))
}

func TestRecordVOD(t *testing.T) {
	var playlistHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/l.m3u8", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&playlistHits, 1)
		servePlaylist(w, "#EXTM3U\n"+
			"#EXT-X-TARGETDURATION:6\n"+
			"#EXT-X-MEDIA-SEQUENCE:10\n"+
			"#EXT-X-PLAYLIST-TYPE:VOD\n"+
			"#EXTINF:6.0,\na.ts\n"+
			"#EXTINF:6.0,\nb.ts\n"+
			"#EXT-X-ENDLIST\n")
	})
	mux.HandleFunc("/a.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("A")) })
	mux.HandleFunc("/b.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("B")) })
	ts := httptest.NewServer(mux)
	defer ts.Close()

	rec := newRecorder(t)
	require.True(t, rec.Record(ts.URL+"/l.m3u8"))
	rec.Wait()

	assert.Equal(t, "AB", readOutput(t, "l.ts"))
	// VOD stops polling; the playlist is fetched exactly once.
	assert.Equal(t, int32(1), atomic.LoadInt32(&playlistHits))
}

func TestMasterSelectsHighestBandwidth(t *testing.T) {
	var lowHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/p/m.m3u8", func(w http.ResponseWriter, r *http.Request) {
		servePlaylist(w, "#EXTM3U\n"+
			"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=1000\nlow.m3u8\n"+
			"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=5000\nhigh.m3u8\n")
	})
	mux.HandleFunc("/p/low.m3u8", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&lowHits, 1)
	})
	mux.HandleFunc("/p/high.m3u8", func(w http.ResponseWriter, r *http.Request) {
		servePlaylist(w, "#EXTM3U\n"+
			"#EXT-X-TARGETDURATION:4\n"+
			"#EXT-X-MEDIA-SEQUENCE:0\n"+
			"#EXTINF:4.0,\ns.ts\n"+
			"#EXT-X-ENDLIST\n")
	})
	mux.HandleFunc("/p/s.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("S")) })
	ts := httptest.NewServer(mux)
	defer ts.Close()

	rec := newRecorder(t)
	require.True(t, rec.Record(ts.URL+"/p/m.m3u8"))
	rec.Wait()

	// The output is named after the master playlist URL, which opened
	// the writer; the variant re-targets only the fetch loop.
	assert.Equal(t, "S", readOutput(t, "m.ts"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&lowHits))
}

func TestRelativeInitSection(t *testing.T) {
	var initPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/a/b/c.m3u8", func(w http.ResponseWriter, r *http.Request) {
		servePlaylist(w, "#EXTM3U\n"+
			"#EXT-X-TARGETDURATION:4\n"+
			"#EXT-X-MEDIA-SEQUENCE:0\n"+
			"#EXT-X-MAP:URI=\"init.mp4\"\n"+
			"#EXTINF:4.0,\ns0.ts\n"+
			"#EXTINF:4.0,\ns1.ts\n"+
			"#EXT-X-ENDLIST\n")
	})
	mux.HandleFunc("/a/b/init.mp4", func(w http.ResponseWriter, r *http.Request) {
		initPath = r.URL.Path
		w.Write([]byte("INIT"))
	})
	mux.HandleFunc("/a/b/s0.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("S0")) })
	mux.HandleFunc("/a/b/s1.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("S1")) })
	ts := httptest.NewServer(mux)
	defer ts.Close()

	rec := newRecorder(t)
	require.True(t, rec.Record(ts.URL+"/a/b/c.m3u8"))
	rec.Wait()

	assert.Equal(t, "/a/b/init.mp4", initPath)
	assert.Equal(t, "INITS0S1", readOutput(t, "c.ts"))
}

func TestLivePollingUntilEndList(t *testing.T) {
	var playlistHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/live.m3u8", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&playlistHits, 1)
		if n == 1 {
			servePlaylist(w, "#EXTM3U\n"+
				"#EXT-X-TARGETDURATION:2\n"+
				"#EXT-X-MEDIA-SEQUENCE:0\n"+
				"#EXTINF:2.0,\nx.ts\n")
			return
		}
		servePlaylist(w, "#EXTM3U\n"+
			"#EXT-X-TARGETDURATION:2\n"+
			"#EXT-X-MEDIA-SEQUENCE:0\n"+
			"#EXTINF:2.0,\nx.ts\n"+
			"#EXTINF:2.0,\ny.ts\n"+
			"#EXT-X-ENDLIST\n")
	})
	mux.HandleFunc("/x.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("X")) })
	mux.HandleFunc("/y.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("Y")) })
	ts := httptest.NewServer(mux)
	defer ts.Close()

	rec := newRecorder(t)
	require.True(t, rec.Record(ts.URL+"/live.m3u8"))
	rec.Wait()

	assert.Equal(t, "XY", readOutput(t, "live.ts"))
	// Re-announced segment x is deduplicated by writer admission; the
	// timer armed before the final fetch fires once more.
	assert.GreaterOrEqual(t, atomic.LoadInt32(&playlistHits), int32(2))
}

func TestWrongContentTypeStopsPolling(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/l.m3u8", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.0,\nx.ts\n")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	rec := newRecorder(t)
	require.True(t, rec.Record(ts.URL+"/l.m3u8"))
	rec.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Empty(t, readOutput(t, "l.ts"))
}

func TestPlaylistErrorStopsPolling(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/l.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	rec := newRecorder(t)
	require.True(t, rec.Record(ts.URL+"/l.m3u8"))
	rec.Wait()

	assert.Empty(t, readOutput(t, "l.ts"))
}
