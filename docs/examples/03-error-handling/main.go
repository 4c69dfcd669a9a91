package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/hydrolith/vshift/pkg/vshift"
)

func main() {
	_, err := vshift.New("EPSG:6346", "EPSG:6346+NOAA:5224",
		vshift.WithAuthorityDB("/usr/share/proj/proj.db"))
	if err == nil {
		fmt.Println("resolved")
		return
	}

	// Resolution failures are typed; each one suggests a different fix.
	var unknown *vshift.ErrUnknownCRS
	var noPath *vshift.ErrNoPath
	var partial *vshift.ErrPartialResolution
	var accuracy *vshift.ErrAccuracyNotMet

	switch {
	case errors.As(err, &unknown):
		log.Fatalf("CRS %s is not in the authority database; load a catalog that declares it", unknown.ID)
	case errors.As(err, &partial):
		if partial.HorizontalResolved {
			log.Fatalf("horizontal path found, but no vertical datum operation reaches %s; load a vertical grid catalog", partial.To)
		}
		log.Fatalf("vertical path found, but the horizontal CRSs are not connected: %v", err)
	case errors.As(err, &accuracy):
		log.Fatalf("only low-accuracy paths exist; pass vshift.AllowBallpark() to accept them: %v", err)
	case errors.As(err, &noPath):
		log.Fatalf("CRSs are in disconnected operation graphs: %v", err)
	default:
		log.Fatal(err)
	}
}
