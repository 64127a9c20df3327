// Package board implements the core of a multi-tenant collaborative
// whiteboard session server: the Element data model, the Session object
// that owns one whiteboard's element list and subscriber set, and the
// wire frames exchanged with attached clients.
//
// A Session is not meant to be used directly by transport code outside
// this package's immediate neighbors (board/httpapi, board/wsapi); those
// packages go through board/registry to obtain one.
package board
