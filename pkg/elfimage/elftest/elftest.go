// Package elftest builds minimal ELF64 images for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type Section struct {
	Name string
	Addr uint64
	Size uint64
}

// Image returns the bytes of a little-endian x86-64 shared object containing
// the given sections followed by .shstrtab.
func Image(sections ...Section) []byte {
	const (
		ehdrSize = 64
		shdrSize = 64
	)

	shstrtab := []byte{0}
	names := make([]uint32, len(sections))
	for i, s := range sections {
		names[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.Name...)
		shstrtab = append(shstrtab, 0)
	}
	shstrtabName := uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)

	var body bytes.Buffer
	body.Write(shstrtab)
	offsets := make([]uint64, len(sections))
	for i, s := range sections {
		offsets[i] = ehdrSize + uint64(body.Len())
		body.Write(make([]byte, s.Size))
	}
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}

	headers := []elf.Section64{{}}
	for i, s := range sections {
		headers = append(headers, elf.Section64{
			Name:      names[i],
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC),
			Addr:      s.Addr,
			Off:       offsets[i],
			Size:      s.Size,
			Addralign: 1,
		})
	}
	headers = append(headers, elf.Section64{
		Name:      shstrtabName,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       ehdrSize,
		Size:      uint64(len(shstrtab)),
		Addralign: 1,
	})

	var hdr elf.Header64
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Type = uint16(elf.ET_DYN)
	hdr.Machine = uint16(elf.EM_X86_64)
	hdr.Version = uint32(elf.EV_CURRENT)
	hdr.Shoff = ehdrSize + uint64(body.Len())
	hdr.Ehsize = ehdrSize
	hdr.Shentsize = shdrSize
	hdr.Shnum = uint16(len(headers))
	hdr.Shstrndx = uint16(len(headers) - 1)

	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, &hdr)
	out.Write(body.Bytes())
	for i := range headers {
		_ = binary.Write(&out, binary.LittleEndian, &headers[i])
	}
	return out.Bytes()
}

// StageImage is an image with .text and .data at the given addresses.
func StageImage(text, data uint64) []byte {
	return Image(
		Section{Name: ".text", Addr: text, Size: 16},
		Section{Name: ".data", Addr: data, Size: 8},
	)
}

func WriteFile(t testing.TB, fs afero.Fs, path string, content []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, content, 0o644))
}
