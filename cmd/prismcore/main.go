// Command prismcore runs the coded frame ingest buffer: an SRT-fed MPEG-TS
// demuxer, the coded frame processing core, an fMP4 segmenter, and a MoQ
// distribution server.
package main

import (
	"os"

	"github.com/zsiec/prismcore/cmd/prismcore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
