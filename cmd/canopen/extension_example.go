package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/cankit/cocore/pkg/od"
)

// domainFile backs the 0x200F DOMAIN object with a file on disk, opened on
// the first streamer call of a given SDO transfer and closed once that
// transfer completes. A fresh domainFile is created per transfer since the
// stream's Object field is nil at DataOffset 0.
type domainFile struct {
	f *os.File
}

// readEntry200F serves a block-transfer upload of 0x200F by streaming the
// contents of OD_file_domain.bin.
func readEntry200F(stream *od.Stream, data []byte, countRead *uint16) error {
	if stream == nil || stream.SubIndex != 0 {
		return od.ErrDevIncompat
	}
	if stream.DataOffset == 0 {
		f, err := os.Open("OD_file_domain.bin")
		if err != nil {
			return od.ErrDevIncompat
		}
		stream.Object = &domainFile{f: f}
	}
	df, ok := stream.Object.(*domainFile)
	if !ok {
		return od.ErrDevIncompat
	}

	n, err := io.ReadFull(df.f, data)
	switch err {
	case nil:
		*countRead = uint16(n)
		stream.DataOffset += uint32(n)
		return od.ErrPartial
	case io.EOF, io.ErrUnexpectedEOF:
		*countRead = uint16(n)
		df.f.Close()
		return nil
	default:
		slog.Error("error reading domain file", "error", err)
		df.f.Close()
		return od.ErrDevIncompat
	}
}

// writeEntry200F serves a block-transfer download into 0x200F, writing each
// received chunk to OD_file_domain.bin.
func writeEntry200F(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || stream.SubIndex != 0 {
		return od.ErrDevIncompat
	}
	if stream.DataOffset == 0 {
		f, err := os.OpenFile("OD_file_domain.bin", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return od.ErrDevIncompat
		}
		stream.Object = &domainFile{f: f}
	}
	df, ok := stream.Object.(*domainFile)
	if !ok {
		return od.ErrDevIncompat
	}

	n, err := df.f.Write(data)
	if err != nil {
		slog.Error("error writing domain file", "error", err)
		df.f.Close()
		return od.ErrDevIncompat
	}
	*countWritten = uint16(n)
	stream.DataOffset += uint32(n)
	if stream.DataOffset == stream.DataLength {
		df.f.Close()
		return nil
	}
	return od.ErrPartial
}
