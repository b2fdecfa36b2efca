// A synthetic HLS origin for exercising the recorder by hand:
//
//	go run ./cmd/demo -addr :8082
//	go run ./cmd/hlsrec http://127.0.0.1:8082/master.m3u8
package main

import (
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const playlistContentType = "application/vnd.apple.mpegurl"

var (
	addr           = flag.String("addr", ":8082", "listen address")
	targetDuration = flag.Int("target", 4, "segment target duration in seconds")
	window         = flag.Int("window", 5, "segments per live playlist")
	total          = flag.Int("segments", 30, "segments before the stream ends")
	segmentSize    = flag.Int("size", 64*1024, "bytes per segment")
	withMap        = flag.Bool("map", false, "advertise an EXT-X-MAP init section")
)

var start = time.Now()

// liveEdge returns the highest sequence number announced so far, advancing
// one segment per target duration since process start.
func liveEdge() int {
	edge := *window - 1 + int(time.Since(start).Seconds())/(*targetDuration)
	if edge >= *total {
		edge = *total - 1
	}
	return edge
}

func masterPlaylist(w http.ResponseWriter, _ *http.Request) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=800000,RESOLUTION=640x360\n")
	b.WriteString("stream/low.m3u8\n")
	b.WriteString("#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=2500000,RESOLUTION=1280x720\n")
	b.WriteString("stream/high.m3u8\n")

	w.Header().Set("Content-Type", playlistContentType)
	w.Write([]byte(b.String()))
}

func mediaPlaylist(w http.ResponseWriter, _ *http.Request) {
	edge := liveEdge()
	first := edge - *window + 1
	if first < 0 {
		first = 0
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", *targetDuration)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	if *withMap {
		b.WriteString("#EXT-X-MAP:URI=\"init.mp4\"\n")
	}
	for seq := first; seq <= edge; seq++ {
		fmt.Fprintf(&b, "#EXTINF:%d.0,\n", *targetDuration)
		fmt.Fprintf(&b, "seg%d.ts\n", seq)
	}
	if edge == *total-1 {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Write([]byte(b.String()))
}

func initSection(w http.ResponseWriter, _ *http.Request) {
	body := make([]byte, 1024)
	copy(body, "ftypiso5")
	w.Header().Set("Content-Type", "video/mp4")
	w.Write(body)
}

func segment(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	seq, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "seg"), ".ts"))
	if err != nil || seq < 0 || seq > liveEdge() {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	// Deterministic bytes, aligned to the 188-byte TS packet size.
	body := make([]byte, *segmentSize/188*188)
	for i := range body {
		if i%188 == 0 {
			body[i] = 0x47
		} else {
			body[i] = byte(seq)
		}
	}
	w.Header().Set("Content-Type", "video/mp2t")
	w.Write(body)
}

func main() {
	flag.Parse()

	http.HandleFunc("/master.m3u8", masterPlaylist)
	http.HandleFunc("/stream/low.m3u8", mediaPlaylist)
	http.HandleFunc("/stream/high.m3u8", mediaPlaylist)
	http.HandleFunc("/stream/init.mp4", initSection)
	http.HandleFunc("/stream/", segment)

	fmt.Println("demo HLS origin listening on", *addr)
	server := http.Server{Addr: *addr}
	server.ListenAndServe()
}
