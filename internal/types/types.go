// Package types holds the FlatBuffers tables persisted by the node.
package types

//go:generate flatc --go --go-namespace types -o .. schema.fbs
