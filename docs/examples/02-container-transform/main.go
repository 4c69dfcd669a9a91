package main

import (
	"log"
	"os"

	"github.com/hydrolith/vshift/pkg/vshift"
)

func main() {
	if len(os.Args) != 3 {
		log.Fatalf("usage: %s <input> <output>", os.Args[0])
	}

	tr, err := vshift.New("EPSG:6318", "EPSG:6318+NOAA:5224",
		vshift.WithAuthorityDB("/usr/share/proj/proj.db"),
		vshift.WithCatalog("noaa_vdatum.yaml"))
	if err != nil {
		log.Fatal(err)
	}
	defer tr.Close()

	// Shape dispatch by extension: GeoJSON, GeoTIFF, BAG, SQLite or NPZ.
	// Everything except coordinates and georeferencing is preserved.
	if err := tr.Transform(os.Args[1], os.Args[2]); err != nil {
		log.Fatal(err)
	}
}
