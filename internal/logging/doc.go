// Package logging configures structured slog output for ketorank.
//
// Without --debug, warnings and errors go to stderr as text. With --debug,
// JSON records at debug level are also written to a size-rotated file under
// ~/.ketorank/logs/ so retrieval traces can be inspected after the fact.
package logging
