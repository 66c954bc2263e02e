// Package logx provides a small structured logging facade over zerolog.
//
// Components hold a Logger value; the Service owns the sinks and can
// re-apply configuration (level, file output) at runtime without the
// holders noticing.
package logx
