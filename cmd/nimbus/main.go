package main

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tbuckley/nimbus/filesys"
	"github.com/tbuckley/nimbus/geometry"
	"github.com/tbuckley/nimbus/sim"
	"github.com/tbuckley/nimbus/transport"
)

func main() {
	app := cli.App{
		Usage: "Host and exercise a virtual block-storage device array",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Host a simulated device array over TCP",
				Action: serveArray,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Value: transport.DefaultAddress,
						Usage: "address to listen on",
					},
					&cli.StringSliceFlag{
						Name:  "device",
						Usage: "device profile slug (repeatable); defaults to the standard mix",
					},
				},
			},
			{
				Name:      "roundtrip",
				Usage:     "Store a local file in a running array, read it back, and verify",
				Action:    roundTrip,
				ArgsUsage: "LOCAL_FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "address",
						Value: transport.DefaultAddress,
						Usage: "address of the device array server",
					},
					&cli.IntFlag{
						Name:  "cache-lines",
						Value: filesys.DefaultCacheLines,
						Usage: "block cache capacity for the session",
					},
				},
			},
			{
				Name:   "profiles",
				Usage:  "List the predefined device profiles",
				Action: listProfiles,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func serveArray(ctx *cli.Context) error {
	slugs := ctx.StringSlice("device")

	var profiles []geometry.Profile
	if len(slugs) == 0 {
		profiles = geometry.Default()
	} else {
		for _, slug := range slugs {
			profile, err := geometry.Get(slug)
			if err != nil {
				return err
			}
			profiles = append(profiles, profile)
		}
	}

	array, err := sim.New(profiles...)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", ctx.String("listen"))
	if err != nil {
		return err
	}
	defer listener.Close()

	for i, profile := range profiles {
		log.Printf("device %d: %s (%d sectors x %d blocks, %d bytes)",
			i, profile.Slug, profile.Sectors, profile.Blocks, profile.CapacityBytes())
	}
	log.Printf("serving device array on %s", listener.Addr())
	return transport.Serve(listener, array)
}

func roundTrip(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one LOCAL_FILE argument")
	}
	localPath := ctx.Args().Get(0)
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%s is empty, nothing to store", localPath)
	}

	client := transport.NewClient(ctx.String("address"))
	fs := filesys.New(client, filesys.WithCacheLines(ctx.Int("cache-lines")))

	fh, err := fs.Open("/roundtrip/" + localPath)
	if err != nil {
		return err
	}

	n, err := fs.Write(fh, data)
	if err != nil {
		return err
	}
	log.Printf("stored %d bytes", n)

	if _, err = fs.Seek(fh, 0); err != nil {
		return err
	}
	readBack := make([]byte, len(data))
	n, err = fs.Read(fh, readBack)
	if err != nil {
		return err
	}
	log.Printf("read back %d bytes", n)

	if !bytes.Equal(data, readBack[:n]) {
		return fmt.Errorf("read-back data differs from the stored file")
	}
	log.Printf("verify OK")

	stats, err := fs.Shutdown()
	if err != nil {
		return err
	}
	log.Printf("cache %s", stats)
	return nil
}

func listProfiles(ctx *cli.Context) error {
	for _, slug := range geometry.Slugs() {
		profile, err := geometry.Get(slug)
		if err != nil {
			return err
		}
		fmt.Printf("%-16s %-14s %3d sectors x %3d blocks  %8d bytes\n",
			profile.Slug, profile.Name, profile.Sectors, profile.Blocks,
			profile.CapacityBytes())
	}
	return nil
}
