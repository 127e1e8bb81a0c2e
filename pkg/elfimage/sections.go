package elfimage

import (
	"debug/elf"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	TextSection = ".text"
	DataSection = ".data"
)

// Sections holds the link-time virtual addresses of the sections a stage
// image is loaded by.
type Sections struct {
	Text uint64
	Data uint64
}

// Delta is the distance between the data and text sections. Relocation
// preserves it.
func (s Sections) Delta() int64 {
	return int64(s.Data - s.Text)
}

func (s Sections) String() string {
	return fmt.Sprintf("text=0x%x data=0x%x", s.Text, s.Data)
}

// MissingSectionError is returned when an image lacks a required section.
type MissingSectionError struct {
	Path    string
	Section string
}

func (e *MissingSectionError) Error() string {
	return fmt.Sprintf("image %s has no %s section", e.Path, e.Section)
}

// MalformedImageError is returned when an image cannot be parsed as ELF.
type MalformedImageError struct {
	Path string
	Err  error
}

func (e *MalformedImageError) Error() string {
	return fmt.Sprintf("image %s is not a valid elf file: %v", e.Path, e.Err)
}

func (e *MalformedImageError) Unwrap() error {
	return e.Err
}

// ReadSections opens the image at path and returns the virtual addresses of
// its .text and .data sections.
func ReadSections(fs afero.Fs, path string) (Sections, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Sections{}, errors.Wrapf(err, "open image %s", path)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return Sections{}, &MalformedImageError{Path: path, Err: err}
	}
	defer ef.Close()

	text := ef.Section(TextSection)
	if text == nil {
		return Sections{}, &MissingSectionError{Path: path, Section: TextSection}
	}
	data := ef.Section(DataSection)
	if data == nil {
		return Sections{}, &MissingSectionError{Path: path, Section: DataSection}
	}
	return Sections{Text: text.Addr, Data: data.Addr}, nil
}
