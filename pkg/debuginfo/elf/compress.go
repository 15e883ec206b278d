package elf

import (
	"io"

	"github.com/grafana/jitsym/pkg/util"
)

// OpenCompressed parses an ELF image from a possibly gzip or zstd compressed
// stream.
func OpenCompressed(r io.Reader) (*File, error) {
	data, err := util.DecompressReader(r)
	if err != nil {
		return nil, err
	}
	return NewFile(data)
}
