// Package port implements the local port/node resolver: the fixed
// pieces of identity a transmitter needs before it can allocate an
// isochronous channel — the local 1394 port index, the channel number
// reserved for this stream, and the local node ID — resolved once and
// read for the lifetime of the stream.
package port

import "fmt"

// Info is the local FireWire identity a transmitter binds to.
type Info struct {
	LocalPort    int
	IsochChannel int
	LocalNodeID  int
}

// Resolver obtains an Info, either from a real 1394 port driver or a
// software simulator for development and testing.
type Resolver interface {
	Resolve() (Info, error)
}

// Fixed is a Resolver that always returns the same Info; used to inject a
// software simulator's identity without a real kernel driver.
type Fixed struct {
	Info Info
}

// Resolve returns the fixed Info.
func (f Fixed) Resolve() (Info, error) { return f.Info, nil }

// String renders Info for logging.
func (i Info) String() string {
	return fmt.Sprintf("port=%d channel=%d node=0x%03x", i.LocalPort, i.IsochChannel, i.LocalNodeID)
}
