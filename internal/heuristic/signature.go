package heuristic

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"path"
	"slices"
	"strings"

	"github.com/born-ml/modelinspect/internal/finding"
)

// Signature is a container or executable magic number.
type Signature struct {
	Name  string
	Magic []byte
	// Verify, when set, confirms a magic match at data[at:].
	Verify func(data []byte, at int) bool
}

// Signatures lists the magic numbers the scanner looks for.
var Signatures = []Signature{
	{Name: "zip", Magic: []byte("PK\x03\x04")},
	{Name: "gzip", Magic: []byte{0x1f, 0x8b, 0x08}},
	{Name: "bzip2", Magic: []byte("BZh"), Verify: bzip2Block},
	{Name: "xz", Magic: []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{Name: "7z", Magic: []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}},
	{Name: "rar", Magic: []byte("Rar!\x1a\x07")},
	{Name: "elf", Magic: []byte("\x7fELF")},
	{Name: "pe", Magic: []byte("MZ"), Verify: peHeader},
	{Name: "macho", Magic: []byte{0xfe, 0xed, 0xfa, 0xce}},
	{Name: "macho", Magic: []byte{0xfe, 0xed, 0xfa, 0xcf}},
	{Name: "macho", Magic: []byte{0xce, 0xfa, 0xed, 0xfe}},
	{Name: "macho", Magic: []byte{0xcf, 0xfa, 0xed, 0xfe}},
}

// pickleExtensions mark zip members holding serialized objects.
var pickleExtensions = []string{".pkl", ".pickle", ".joblib", ".dill"}

// maxZipListings bounds the zip directories read per region.
const maxZipListings = 16

// bzip2Block requires a block size digit and the block header magic.
func bzip2Block(data []byte, at int) bool {
	const magic = "\x31\x41\x59\x26\x53\x59"
	if at+4+len(magic) > len(data) {
		return false
	}
	level := data[at+3]
	return level >= '1' && level <= '9' && string(data[at+4:at+4+len(magic)]) == magic
}

// peHeader follows e_lfanew to the "PE\0\0" signature.
func peHeader(data []byte, at int) bool {
	const lfanew = 0x3c
	if at+lfanew+4 > len(data) {
		return false
	}
	off := uint64(binary.LittleEndian.Uint32(data[at+lfanew:]))
	pe := uint64(at) + off
	if off < lfanew+4 || pe+4 > uint64(len(data)) {
		return false
	}
	return string(data[pe:pe+4]) == "PE\x00\x00"
}

// signatures reports matches starting in [from, to). A match may extend
// past to, so signatures spanning a block boundary are found once. Local
// headers of a zip archive that was already listed are not reported again.
func (s *scanner) signatures(ctx context.Context, from, to uint64) []finding.Finding {
	var out []finding.Finding
	window := s.data[from:min(to+maxMagicLen-1, uint64(len(s.data)))]
	limit := int(to - from)
	for i := range Signatures {
		sig := &Signatures[i]
		for pos := 0; pos < limit; pos++ {
			if ctx.Err() != nil {
				return out
			}
			j := bytes.Index(window[pos:], sig.Magic)
			if j < 0 || pos+j >= limit {
				break
			}
			pos += j
			at := from + uint64(pos)
			if sig.Name == "zip" && at < s.archiveEnd {
				continue
			}
			if sig.Verify == nil || sig.Verify(s.data, int(at)) {
				out = append(out, s.match(sig, at))
			}
		}
	}
	return out
}

var maxMagicLen = func() uint64 {
	n := 0
	for _, sig := range Signatures {
		n = max(n, len(sig.Magic))
	}
	return uint64(n)
}()

func (s *scanner) match(sig *Signature, at uint64) finding.Finding {
	f := finding.New(finding.CodeEmbeddedSignature, "embedded %s signature at offset %d", sig.Name, at).
		WithEvidence("offset", at).
		WithEvidence("signature", sig.Name)
	if sig.Name == "zip" {
		members, serialized := s.zipMembers(at)
		if len(members) > 0 {
			f = f.WithEvidence("members", members)
		}
		if serialized {
			f = f.WithEvidence("serialized_object", true)
			f.Message += " (contains a serialized object)"
		}
	}
	return s.loc.at(f, at)
}

// zipMembers lists the member names of a zip archive starting at off and
// ending no later than the scanned region. Nothing is decompressed. After a
// successful listing, archiveEnd is moved past the data of every member.
func (s *scanner) zipMembers(off uint64) ([]string, bool) {
	end := min(s.region.End(), uint64(len(s.data)))
	if off >= end || s.zipListings >= maxZipListings {
		return nil, false
	}
	s.zipListings++
	b := s.data[off:end]
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, false
	}

	var names []string
	serialized := false
	last := uint64(len(b))
	if len(zr.File) > 0 {
		last = 0
	}
	for _, f := range zr.File {
		if slices.Contains(pickleExtensions, strings.ToLower(path.Ext(f.Name))) {
			serialized = true
		}
		if len(names) < s.opts.MaxArchiveMembers {
			names = append(names, f.Name)
		}
		data, err := f.DataOffset()
		if err != nil || data < 0 {
			last = uint64(len(b))
			continue
		}
		last = max(last, uint64(data)+f.CompressedSize64)
	}
	s.archiveEnd = max(s.archiveEnd, off+min(last, uint64(len(b))))
	return names, serialized
}
