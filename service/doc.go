// Package service is the only write entry point into the venue. It
// serializes work per instrument, journals every command, runs the matcher
// and commits each pass to the store as one unit before touching memory.
//
// It provides a clean API for placing, cancelling and querying orders and
// composites, decoupled from network transports like gRPC.
package service
