// Package id provides identifier generation for the server side of a
// link.
//
// It covers two needs:
//
//   - Allocator hands out the numeric peer ids a server assigns to
//     connecting peers. Ids are compact, start at 1 and are reused after
//     release; zero is never produced because it addresses the server
//     itself.
//   - Token and Short produce opaque string identifiers for log
//     correlation, where a stable short handle matters more than
//     compactness.
package id
