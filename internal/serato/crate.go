package serato

import (
	"fmt"
	"os"
)

// ReadCrate returns the track paths stored in the crate file at path, in
// file order. Duplicate paths are returned as stored; de-duplication is the
// writer's job.
func ReadCrate(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read crate: %w", err)
	}

	var tracks []string
	for _, chunk := range ScanChunks(data) {
		if chunk.Tag != "otrk" {
			continue
		}
		for _, inner := range ScanChunks(chunk.Payload) {
			if inner.Tag != "ptrk" {
				continue
			}
			if p := DecodeUTF16(inner.Payload); p != "" {
				tracks = append(tracks, p)
			}
		}
	}
	return tracks, nil
}

// CountCrateTracks counts ptrk chunks without decoding their payloads.
// Cheaper than ReadCrate for crate listings that only show track counts.
func CountCrateTracks(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read crate: %w", err)
	}

	count := 0
	for _, chunk := range ScanChunks(data) {
		if chunk.Tag != "otrk" {
			continue
		}
		for _, inner := range ScanChunks(chunk.Payload) {
			if inner.Tag == "ptrk" {
				count++
			}
		}
	}
	return count, nil
}
