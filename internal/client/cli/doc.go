// Package cli implements posctl, the operator command line for a POS
// terminal. Every command dials the terminal's unix socket, makes one call
// and prints the result as a table or, with --format json, as a JSON
// document.
//
// Exit codes: 0 success, 1 the terminal refused the operation, 2 usage or
// connection problems, 3 authentication failed.
package cli
