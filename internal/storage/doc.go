// Package storage persists automation definitions.
//
// Two drivers share one interface: a JSON-file directory (one file per
// automation, atomic writes) and a sqlite database. Select via Config.Driver.
package storage
