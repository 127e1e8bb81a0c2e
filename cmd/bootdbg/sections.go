package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/ferros-dev/bootdbg/pkg/elfimage"
	"github.com/ferros-dev/bootdbg/pkg/relocation"
)

func printSections(out io.Writer, fs afero.Fs, path, offset string) error {
	o, err := strconv.ParseInt(offset, 0, 64)
	if err != nil {
		return errors.Wrapf(err, "parse offset %q", offset)
	}
	sections, err := elfimage.ReadSections(fs, path)
	if err != nil {
		return err
	}
	load := relocation.Rebase(sections, relocation.Offset(o))

	fmt.Fprintln(out, "image:", path)
	fmt.Fprintln(out, "offset:", relocation.Offset(o))
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Section", "Link", "Load"})
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{elfimage.TextSection, fmt.Sprintf("0x%x", sections.Text), fmt.Sprintf("0x%x", load.Text)})
	table.Append([]string{elfimage.DataSection, fmt.Sprintf("0x%x", sections.Data), fmt.Sprintf("0x%x", load.Data)})
	table.Render()
	return nil
}
