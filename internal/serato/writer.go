package serato

import "encoding/binary"

// CrateVersion is the version string Serato writes into every crate file.
const CrateVersion = "1.0/Serato ScratchLive Crate"

// Column is one UI column definition persisted in a crate file.
type Column struct {
	Name  string
	Width uint16
}

// DefaultColumns matches the column set Serato writes for a fresh crate.
var DefaultColumns = []Column{
	{"bpm", 0x30},
	{"year", 0x30},
	{"song", 0x30},
	{"playCount", 0x30},
	{"artist", 0xFA},
	{"genre", 0x30},
	{"length", 0x30},
}

// DefaultSortColumn is the column a fresh crate sorts by.
const DefaultSortColumn = "bpm"

// BuildCrate serializes a crate file: version header, sort section, column
// definitions, then one otrk/ptrk pair per track path. An empty track list
// yields a valid crate with no otrk chunks.
func BuildCrate(trackPaths []string) []byte {
	out := AppendChunk(nil, "vrsn", EncodeUTF16(CrateVersion))

	// Sort section: column name + reverse flag.
	sort := AppendChunk(nil, "tvcn", EncodeUTF16(DefaultSortColumn))
	sort = AppendChunk(sort, "brev", []byte{0x01})
	out = AppendChunk(out, "osrt", sort)

	for _, col := range DefaultColumns {
		def := AppendChunk(nil, "tvcn", EncodeUTF16(col.Name))
		def = AppendChunk(def, "tvcw", binary.BigEndian.AppendUint16(nil, col.Width))
		out = AppendChunk(out, "ovct", def)
	}

	for _, path := range trackPaths {
		out = AppendChunk(out, "otrk", AppendChunk(nil, "ptrk", EncodeUTF16(path)))
	}
	return out
}
