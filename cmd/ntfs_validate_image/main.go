package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-ntfs"
)

type rootParameters struct {
	Filepath   string `short:"f" long:"filepath" description:"File-path of NTFS image" required:"true"`
	SectorSize uint32 `short:"s" long:"sector-size" description:"Media sector size" default:"512"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	f, err := os.Open(rootArguments.Filepath)
	log.PanicIf(err)

	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	log.PanicIf(err)

	_, err = f.Seek(0, io.SeekStart)
	log.PanicIf(err)

	bootData := make([]byte, 512)

	_, err = io.ReadFull(f, bootData)
	log.PanicIf(err)

	geometry, err := ntfs.NewVolumeGeometryFromBootSector(bootData, rootArguments.SectorSize, uint64(size))
	if err != nil {
		if ntfs.IsFormatError(err) == true {
			fmt.Printf("Not a valid volume: %s\n", err.Error())
			os.Exit(2)
		}

		log.Panic(err)
	}

	geometry.Dump()

	fmt.Printf("VolumeSize: %s\n", humanize.IBytes(geometry.VolumeSize))

	if geometry.ForcedReadOnly == true {
		fmt.Printf("\nImage is truncated and would mount read-only.\n")
	} else {
		fmt.Printf("\nImage validates.\n")
	}
}
