package main

import (
	"fmt"
	"log"

	"github.com/hydrolith/vshift/pkg/vshift"
)

func main() {
	// Resolve a path from UTM 19N ellipsoid heights to UTM 19N with MLLW
	// chart datum heights. The vertical grid comes from the custom
	// catalog; horizontal operations come from the PROJ database.
	tr, err := vshift.New("EPSG:6346", "EPSG:6346+NOAA:5224",
		vshift.WithAuthorityDB("/usr/share/proj/proj.db"),
		vshift.WithCatalog("noaa_vdatum.yaml"))
	if err != nil {
		log.Fatal(err)
	}
	defer tr.Close()

	fmt.Printf("Route: %s\n", tr.PathString())
	fmt.Printf("Accuracy: %s\n", tr.Accuracy())

	// Transform a few soundings
	x, y, z, err := tr.TransformPoints(
		[]float64{367500.0, 368100.0},
		[]float64{4805000.0, 4805250.0},
		[]float64{-12.4, -15.1})
	if err != nil {
		log.Fatal(err)
	}

	for i := range x {
		fmt.Printf("%.2f %.2f %.3f\n", x[i], y[i], z[i])
	}
}
