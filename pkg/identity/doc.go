// Package identity defines the domain model shared by the reconciliation
// engine: users and their role-assignment history, the compensation log,
// drift classification, and reconciliation reports.
//
// # Overview
//
// The engine keeps two independently mutated views of identity consistent:
// the local user store (authoritative for roles) and the external identity
// provider (authoritative for authentication identities). Everything in this
// package is plain data with no I/O; the pkg/storage, pkg/idp, pkg/sync and
// pkg/reconcile packages operate on these types.
//
// # Role Encoding
//
// Roles cross the wire to the identity provider as a JSON array stored in a
// custom attribute (see AttrRoles). EncodeRoles and DecodeRoles implement
// that format and are the only encoding used anywhere in the engine.
package identity
