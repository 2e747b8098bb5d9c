package adcd

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by adcd.
type Portnumbers struct {
	RPC    int
	Status int
}

// Ports globally holds all TCP port numbers used by adcd.
var Ports Portnumbers

// SetPortnumbers chooses the base TCP port: RPC = base, Status = base+1.
func SetPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.0",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// AdcdStartTime is a global holding the time init() was run
var AdcdStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

func init() {
	SetPortnumbers(6600)
	AdcdStartTime = time.Now()

	// The adcd main program will override this, but at least initialize with a
	// sensible value
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
}
