// Package mcp implements the gateway's JSON-RPC 2.0 tool dispatcher
// (Model Context Protocol): it receives requests for the IMAP tool
// catalog — listFolders, createFolder, deleteFolder, renameFolder,
// selectFolder, searchEmails, fetchEmails, moveEmails, storeFlags,
// appendEmail, expungeFolder — and serves them over two transports,
// newline-delimited stdio and one-POST-per-request HTTP.
//
// Each served channel (a stdio process, or an HTTP session) owns a
// PortState tracking the folder and account selectFolder calls bind
// it to. The Dispatcher resolves the target account, acquires a
// session from that account's connection pool, executes the tool, and
// maps the outcome to a JSON-RPC response.
package mcp
